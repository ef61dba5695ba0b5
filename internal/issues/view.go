package issues

import (
	"time"

	"github.com/bull/evalissues/internal/escalation"
	"github.com/bull/evalissues/internal/store"
)

// View is the external representation of an issue with its derived status.
type View struct {
	ID              int64      `json:"id"`
	UUID            string     `json:"uuid"`
	WorkspaceID     int64      `json:"workspace_id"`
	ProjectID       int64      `json:"project_id"`
	DocumentUUID    string     `json:"document_uuid"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	RecentEvents    int        `json:"recent_events"` // current escalation window
	State           string     `json:"state"`
	IsEscalating    bool       `json:"is_escalating"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	IgnoredAt       *time.Time `json:"ignored_at,omitempty"`
	MergedAt        *time.Time `json:"merged_at,omitempty"`
	MergedToIssueID *int64     `json:"merged_to_issue_id,omitempty"`
	EscalatingAt    *time.Time `json:"escalating_at,omitempty"`
}

// NewView combines an issue row with its derived status.
func NewView(issue *store.Issue, st escalation.Status) View {
	return View{
		ID:              issue.ID,
		UUID:            issue.UUID,
		WorkspaceID:     issue.WorkspaceID,
		ProjectID:       issue.ProjectID,
		DocumentUUID:    issue.DocumentUUID,
		Title:           issue.Title,
		Description:     issue.Description,
		RecentEvents:    st.Escalation.CurrentWindowCount,
		State:           string(st.State),
		IsEscalating:    st.IsEscalating,
		CreatedAt:       issue.CreatedAt,
		UpdatedAt:       issue.UpdatedAt,
		ResolvedAt:      issue.ResolvedAt,
		IgnoredAt:       issue.IgnoredAt,
		MergedAt:        issue.MergedAt,
		MergedToIssueID: issue.MergedToIssueID,
		EscalatingAt:    issue.EscalatingAt,
	}
}
