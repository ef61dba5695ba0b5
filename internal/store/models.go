package store

import (
	"time"

	"github.com/bull/evalissues/internal/centroid"
	"github.com/bull/evalissues/internal/escalation"
)

// Issue is a durable cluster of failing evaluation results.
type Issue struct {
	ID              int64
	UUID            string // shared key with the vector index record
	WorkspaceID     int64
	ProjectID       int64
	DocumentUUID    string
	Title           string
	Description     string
	Centroid        centroid.Centroid // raw running sum, never normalized
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
	IgnoredAt       *time.Time
	MergedAt        *time.Time
	MergedToIssueID *int64
	EscalatingAt    *time.Time
}

// Timestamps returns the lifecycle timestamps that drive derived status.
func (i *Issue) Timestamps() escalation.Timestamps {
	return escalation.Timestamps{
		CreatedAt:  i.CreatedAt,
		ResolvedAt: i.ResolvedAt,
		IgnoredAt:  i.IgnoredAt,
		MergedAt:   i.MergedAt,
	}
}

// IsMerged reports whether the issue was folded into another one.
func (i *Issue) IsMerged() bool {
	return i.MergedAt != nil
}

// NewIssue holds the fields of an issue at creation.
type NewIssue struct {
	UUID         string
	WorkspaceID  int64
	ProjectID    int64
	DocumentUUID string
	Title        string
	Description  string
	Centroid     centroid.Centroid
}

// IssueUpdate lists the columns to change. Nil fields are left as they are.
type IssueUpdate struct {
	Title        *string
	Description  *string
	Centroid     *centroid.Centroid
	EscalatingAt **time.Time // set to a nil *time.Time to clear
}

// HistogramEntry is an occurrence count for one issue, commit and day.
type HistogramEntry struct {
	WorkspaceID  int64
	ProjectID    int64
	DocumentUUID string
	IssueID      int64
	CommitID     int64
	Date         time.Time // truncated to the UTC day
	Count        int
}

// EvaluationResult is a failing result that may point at an issue.
type EvaluationResult struct {
	ID             int64
	UUID           string
	WorkspaceID    int64
	ProjectID      int64
	DocumentUUID   string
	CommitID       int64
	EvaluationUUID string
	Reason         string
	IssueID        *int64
	CreatedAt      time.Time
}

// Day truncates t to the start of its UTC day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

const dateLayout = "2006-01-02"
