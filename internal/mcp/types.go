// Package mcp exposes issue discovery and inspection as MCP tools.
package mcp

import "github.com/bull/evalissues/internal/issues"

// DiscoverIssueInput defines the input parameters for the discover_issue tool.
type DiscoverIssueInput struct {
	WorkspaceID  int64  `json:"workspace_id" jsonschema:"Workspace that owns the document"`
	ProjectID    int64  `json:"project_id" jsonschema:"Project that owns the document"`
	DocumentUUID string `json:"document_uuid" jsonschema:"Document the failure was evaluated against"`
	// Text is the failure reason, markdown allowed.
	Text string `json:"text" jsonschema:"Failure reason to match (markdown allowed)"`
}

// DiscoverIssueOutput is the matching issue, if any.
type DiscoverIssueOutput struct {
	Matched   bool         `json:"matched"`
	Issue     *issues.View `json:"issue,omitempty"`
	Relevance float64      `json:"relevance,omitempty"`
	// Message explains a miss or a disabled vector store.
	Message string `json:"message,omitempty"`
}

// GetIssueInput defines the input parameters for the get_issue tool.
type GetIssueInput struct {
	ID int64 `json:"id" jsonschema:"Issue id"`
}

// GetIssueOutput contains the issue.
type GetIssueOutput struct {
	Found bool         `json:"found"`
	Issue *issues.View `json:"issue,omitempty"`
}

// ListDocumentIssuesInput defines the input parameters for the
// list_document_issues tool.
type ListDocumentIssuesInput struct {
	WorkspaceID   int64  `json:"workspace_id" jsonschema:"Workspace that owns the document"`
	ProjectID     int64  `json:"project_id" jsonschema:"Project that owns the document"`
	DocumentUUID  string `json:"document_uuid" jsonschema:"Document whose issues to list"`
	IncludeMerged bool   `json:"include_merged,omitempty" jsonschema:"Also list issues merged into others"`
}

// ListDocumentIssuesOutput lists the issues of one document.
type ListDocumentIssuesOutput struct {
	Issues []issues.View `json:"issues"`
	Count  int           `json:"count"`
}

// CheckEscalationInput defines the input parameters for the
// check_escalation tool.
type CheckEscalationInput struct {
	ID int64 `json:"id" jsonschema:"Issue id"`
}

// CheckEscalationOutput carries the escalation decision with the counts it
// was based on.
type CheckEscalationOutput struct {
	IssueID             int64   `json:"issue_id"`
	IsEscalating        bool    `json:"is_escalating"`
	RecentCount         int     `json:"recent_count"`
	CurrentWindowCount  int     `json:"current_window_count"`
	PreviousWindowCount int     `json:"previous_window_count"`
	PreviousAverage     float64 `json:"previous_average"`
	State               string  `json:"state"`
}
