// Package issues clusters failing evaluation results into issues. It decides
// whether a failure matches an existing issue, keeps the relational store and
// the vector index in step through the issue lifecycle, and tracks
// escalation.
package issues

import (
	"context"

	"github.com/bull/evalissues/internal/escalation"
	"github.com/bull/evalissues/internal/events"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Publisher delivers events after the owning transaction commits.
type Publisher interface {
	PublishLater(tx *store.Tx, e events.Event)
}

// TenantKey returns the vector index partition of issue.
func TenantKey(issue *store.Issue) string {
	return vectorindex.TenantKey(issue.WorkspaceID, issue.ProjectID, issue.DocumentUUID)
}

// escalationLookback covers the current and previous escalation windows.
const escalationLookback = escalation.CurrentWindow + escalation.PreviousWindow
