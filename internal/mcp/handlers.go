package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/markdown"
	"github.com/bull/evalissues/internal/store"
)

// makeDiscoverHandler creates the discover_issue tool handler. The text is
// flattened the same way ingestion flattens failure reasons so both paths
// search with identical input.
func makeDiscoverHandler(matcher *issues.Matcher, manager *issues.Manager, flattener *markdown.Flattener) func(
	context.Context, *mcp.CallToolRequest, DiscoverIssueInput,
) (*mcp.CallToolResult, DiscoverIssueOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DiscoverIssueInput) (
		*mcp.CallToolResult, DiscoverIssueOutput, error,
	) {
		if matcher == nil {
			return nil, DiscoverIssueOutput{Message: "Issue discovery is disabled: no vector store is configured."}, nil
		}

		text, err := flattener.PlainText([]byte(input.Text))
		if err != nil {
			return nil, DiscoverIssueOutput{}, fmt.Errorf("failed to flatten text: %w", err)
		}

		d, err := matcher.Discover(ctx, issues.DiscoverInput{
			WorkspaceID:  input.WorkspaceID,
			ProjectID:    input.ProjectID,
			DocumentUUID: input.DocumentUUID,
			Text:         text,
		})
		if err != nil {
			return nil, DiscoverIssueOutput{}, fmt.Errorf("discovery failed: %w", err)
		}
		if d.Issue == nil {
			return nil, DiscoverIssueOutput{Message: "No matching issue found."}, nil
		}

		st, err := manager.Status(ctx, d.Issue)
		if err != nil {
			return nil, DiscoverIssueOutput{}, fmt.Errorf("failed to derive status: %w", err)
		}
		view := issues.NewView(d.Issue, st)
		return nil, DiscoverIssueOutput{Matched: true, Issue: &view, Relevance: d.Relevance}, nil
	}
}

// makeGetIssueHandler creates the get_issue tool handler.
func makeGetIssueHandler(st *store.Store, manager *issues.Manager) func(
	context.Context, *mcp.CallToolRequest, GetIssueInput,
) (*mcp.CallToolResult, GetIssueOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetIssueInput) (
		*mcp.CallToolResult, GetIssueOutput, error,
	) {
		issue, err := st.GetIssue(ctx, input.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, GetIssueOutput{Found: false}, nil
			}
			return nil, GetIssueOutput{}, fmt.Errorf("failed to get issue: %w", err)
		}

		status, err := manager.Status(ctx, issue)
		if err != nil {
			return nil, GetIssueOutput{}, fmt.Errorf("failed to derive status: %w", err)
		}
		view := issues.NewView(issue, status)
		return nil, GetIssueOutput{Found: true, Issue: &view}, nil
	}
}

// makeListHandler creates the list_document_issues tool handler.
func makeListHandler(st *store.Store, manager *issues.Manager) func(
	context.Context, *mcp.CallToolRequest, ListDocumentIssuesInput,
) (*mcp.CallToolResult, ListDocumentIssuesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentIssuesInput) (
		*mcp.CallToolResult, ListDocumentIssuesOutput, error,
	) {
		found, err := st.ListDocumentIssues(ctx, input.WorkspaceID, input.ProjectID, input.DocumentUUID, input.IncludeMerged)
		if err != nil {
			return nil, ListDocumentIssuesOutput{}, fmt.Errorf("failed to list issues: %w", err)
		}

		views := make([]issues.View, 0, len(found))
		for _, issue := range found {
			status, err := manager.Status(ctx, issue)
			if err != nil {
				return nil, ListDocumentIssuesOutput{}, fmt.Errorf("failed to derive status of issue %d: %w", issue.ID, err)
			}
			views = append(views, issues.NewView(issue, status))
		}

		return nil, ListDocumentIssuesOutput{Issues: views, Count: len(views)}, nil
	}
}

// makeEscalationHandler creates the check_escalation tool handler. It is
// read-only: escalatingAt is left as stored.
func makeEscalationHandler(st *store.Store, manager *issues.Manager) func(
	context.Context, *mcp.CallToolRequest, CheckEscalationInput,
) (*mcp.CallToolResult, CheckEscalationOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CheckEscalationInput) (
		*mcp.CallToolResult, CheckEscalationOutput, error,
	) {
		issue, err := st.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, CheckEscalationOutput{}, fmt.Errorf("failed to get issue: %w", err)
		}
		status, err := manager.Status(ctx, issue)
		if err != nil {
			return nil, CheckEscalationOutput{}, fmt.Errorf("failed to derive status: %w", err)
		}

		res := status.Escalation
		return nil, CheckEscalationOutput{
			IssueID:             issue.ID,
			IsEscalating:        res.IsEscalating,
			RecentCount:         res.RecentCount,
			CurrentWindowCount:  res.CurrentWindowCount,
			PreviousWindowCount: res.PreviousWindowCount,
			PreviousAverage:     res.PreviousAverage,
			State:               string(status.State),
		}, nil
	}
}
