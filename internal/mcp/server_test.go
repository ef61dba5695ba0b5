package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evalissues/internal/events"
	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

type fixture struct {
	session   *mcp.ClientSession
	processor *issues.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "issues.db") + "?_time_format=sqlite"
	st, err := store.Open(ctx, store.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	manager := issues.NewManager(st, vectorindex.Disabled{}, events.NewBus(0, nil), nil)
	server := NewServer(&Config{Store: st, Manager: manager})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return &fixture{
		session:   cs,
		processor: issues.NewProcessor(st, manager, nil, nil, nil),
	}
}

func (f *fixture) call(t *testing.T, name string, args any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := f.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		require.NotEmpty(t, res.Content)
		text, ok := res.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		require.NoError(t, json.Unmarshal([]byte(text.Text), out))
	}
	return res
}

func (f *fixture) openIssue(t *testing.T, document, reason string) *issues.Outcome {
	t.Helper()
	out, err := f.processor.ProcessFailure(context.Background(), issues.FailureInput{
		WorkspaceID:    1,
		ProjectID:      2,
		DocumentUUID:   document,
		CommitID:       7,
		EvaluationUUID: "eval-" + document,
		Reason:         reason,
	})
	require.NoError(t, err)
	return out
}

func TestTools_Registered(t *testing.T) {
	f := newFixture(t)

	res, err := f.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"discover_issue", "get_issue", "list_document_issues", "check_escalation"}, names)
}

func TestDiscoverIssue_Disabled(t *testing.T) {
	f := newFixture(t)

	var out DiscoverIssueOutput
	res := f.call(t, "discover_issue", map[string]any{
		"workspace_id": 1, "project_id": 2, "document_uuid": "doc-1", "text": "wrong currency",
	}, &out)

	assert.False(t, res.IsError)
	assert.False(t, out.Matched)
	assert.Contains(t, out.Message, "disabled")
}

func TestGetIssue(t *testing.T) {
	f := newFixture(t)
	opened := f.openIssue(t, "doc-1", "Wrong currency. Expected EUR.")

	var out GetIssueOutput
	f.call(t, "get_issue", map[string]any{"id": opened.Issue.ID}, &out)
	require.True(t, out.Found)
	assert.Equal(t, "Wrong currency", out.Issue.Title)
	assert.Equal(t, "new", out.Issue.State)

	out = GetIssueOutput{}
	f.call(t, "get_issue", map[string]any{"id": 999}, &out)
	assert.False(t, out.Found)
}

func TestListDocumentIssues(t *testing.T) {
	f := newFixture(t)
	f.openIssue(t, "doc-1", "Wrong currency.")
	f.openIssue(t, "doc-1", "Missing unit.")
	f.openIssue(t, "doc-2", "Elsewhere.")

	var out ListDocumentIssuesOutput
	f.call(t, "list_document_issues", map[string]any{
		"workspace_id": 1, "project_id": 2, "document_uuid": "doc-1",
	}, &out)
	assert.Equal(t, 2, out.Count)
	assert.Len(t, out.Issues, 2)

	out = ListDocumentIssuesOutput{}
	f.call(t, "list_document_issues", map[string]any{
		"workspace_id": 1, "project_id": 2, "document_uuid": "doc-3",
	}, &out)
	assert.Zero(t, out.Count)
	assert.NotNil(t, out.Issues)
}

func TestCheckEscalation(t *testing.T) {
	f := newFixture(t)
	opened := f.openIssue(t, "doc-1", "Wrong currency.")

	var out CheckEscalationOutput
	f.call(t, "check_escalation", map[string]any{"id": opened.Issue.ID}, &out)
	assert.Equal(t, opened.Issue.ID, out.IssueID)
	assert.False(t, out.IsEscalating)
	assert.Equal(t, 1, out.CurrentWindowCount)

	res := f.call(t, "check_escalation", map[string]any{"id": 999}, nil)
	assert.True(t, res.IsError)
}
