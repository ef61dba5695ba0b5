package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/markdown"
	"github.com/bull/evalissues/internal/store"
)

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies.
type Config struct {
	Store   *store.Store
	Manager *issues.Manager
	// Matcher is nil when the vector store is disabled; discover_issue then
	// reports that discovery is unavailable.
	Matcher   *issues.Matcher
	Flattener *markdown.Flattener
	Version   string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "v0.1.0"
	}
	flattener := cfg.Flattener
	if flattener == nil {
		flattener = markdown.NewFlattener(0)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "eval-issues",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "discover_issue",
		Description: "Find the existing issue a failing evaluation result belongs to, within one document. Merged issues are never returned.",
	}, makeDiscoverHandler(cfg.Matcher, cfg.Manager, flattener))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_issue",
		Description: "Get an issue by id with its derived status.",
	}, makeGetIssueHandler(cfg.Store, cfg.Manager))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_document_issues",
		Description: "List the issues of a document with their derived status.",
	}, makeListHandler(cfg.Store, cfg.Manager))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_escalation",
		Description: "Check whether an issue's recent failure rate significantly exceeds its baseline.",
	}, makeEscalationHandler(cfg.Store, cfg.Manager))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
