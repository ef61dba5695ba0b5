package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bull/evalissues/internal/centroid"
	"github.com/bull/evalissues/internal/escalation"
	"github.com/bull/evalissues/internal/events"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

// UpdateInput lists what to change. Title and Description must be given
// together; Centroid is independent of them.
type UpdateInput struct {
	Title       *string
	Description *string
	Centroid    *centroid.Centroid
}

// Manager owns the issue lifecycle across the relational store and the
// vector index.
//
// Writes that touch both stores go to the vector index first. Create is the
// exception: it is relational only and the first Update writes the vector.
type Manager struct {
	store  *store.Store
	index  vectorindex.Index
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(st *store.Store, index vectorindex.Index, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		index:  index,
		events: publisher,
		logger: logger,
		now:    time.Now,
	}
}

func validateNewIssue(in *store.NewIssue) error {
	if in.DocumentUUID == "" || in.Title == "" {
		return fmt.Errorf("%w: document uuid and title are required", ErrInvalidInput)
	}
	if in.UUID == "" {
		in.UUID = uuid.NewString()
	}
	return nil
}

// Create inserts a new issue row. No vector is written.
func (m *Manager) Create(ctx context.Context, in store.NewIssue) (*store.Issue, error) {
	if err := validateNewIssue(&in); err != nil {
		return nil, err
	}

	var issue *store.Issue
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		issue, err = m.createTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

func (m *Manager) createTx(ctx context.Context, tx *store.Tx, in store.NewIssue) (*store.Issue, error) {
	issue, err := tx.CreateIssue(ctx, in, m.now())
	if err != nil {
		return nil, err
	}
	m.events.PublishLater(tx, events.Event{
		Type:        events.IssueCreated,
		WorkspaceID: issue.WorkspaceID,
		IssueID:     issue.ID,
	})
	return issue, nil
}

// Update writes the given parts to the vector index, inserting the record
// if it is missing, then persists them relationally and queues issueUpdated.
// A partial title/description change is rejected before anything is written.
func (m *Manager) Update(ctx context.Context, issue *store.Issue, in UpdateInput) (*store.Issue, error) {
	if (in.Title == nil) != (in.Description == nil) {
		return nil, ErrPartialTextUpdate
	}
	if in.Title == nil && in.Centroid == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}

	rec := vectorindex.Record{ID: issue.UUID}
	if in.Title != nil {
		rec.Properties = &vectorindex.Properties{Title: *in.Title, Description: *in.Description}
	}
	if in.Centroid != nil && len(in.Centroid.Base) > 0 {
		rec.Vector = in.Centroid.Normalized()
	}

	if err := m.writeVector(ctx, issue, rec); err != nil {
		return nil, err
	}

	now := m.now()
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		err := tx.UpdateIssue(ctx, issue.ID, store.IssueUpdate{
			Title:       in.Title,
			Description: in.Description,
			Centroid:    in.Centroid,
		}, now)
		if err != nil {
			return err
		}
		m.events.PublishLater(tx, events.Event{
			Type:        events.IssueUpdated,
			WorkspaceID: issue.WorkspaceID,
			IssueID:     issue.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated := *issue
	if in.Title != nil {
		updated.Title = *in.Title
		updated.Description = *in.Description
	}
	if in.Centroid != nil {
		updated.Centroid = *in.Centroid
	}
	updated.UpdatedAt = now.UTC()
	return &updated, nil
}

// writeVector inserts or updates the index record of issue. A new record
// always carries title and description so it is searchable by keyword.
func (m *Manager) writeVector(ctx context.Context, issue *store.Issue, rec vectorindex.Record) error {
	if rec.Properties == nil && rec.Vector == nil {
		return nil
	}
	tenant := TenantKey(issue)

	if err := m.index.GetOrCreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("get tenant %s: %w", tenant, err)
	}
	exists, err := m.index.Exists(ctx, tenant, issue.UUID)
	if err != nil {
		return fmt.Errorf("check vector of issue %d: %w", issue.ID, err)
	}

	if !exists {
		if rec.Properties == nil {
			rec.Properties = &vectorindex.Properties{Title: issue.Title, Description: issue.Description}
		}
		if err := m.index.Insert(ctx, tenant, rec); err != nil {
			return fmt.Errorf("insert vector of issue %d: %w", issue.ID, err)
		}
		m.logger.Debug("inserted issue vector", "issue_id", issue.ID, "tenant", tenant)
		return nil
	}

	if err := m.index.Update(ctx, tenant, rec); err != nil {
		return fmt.Errorf("update vector of issue %d: %w", issue.ID, err)
	}
	return nil
}

// Delete removes the issue's vector, garbage-collects its tenant and only
// then deletes the issue relationally. A vector that is already gone is
// skipped; a failing vector store aborts before any relational change.
// Deleting an issue twice is not an error.
func (m *Manager) Delete(ctx context.Context, issue *store.Issue) error {
	if err := m.removeVector(ctx, issue); err != nil {
		return err
	}

	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		cleared, err := tx.ClearEvaluationIssue(ctx, issue.ID)
		if err != nil {
			return err
		}
		histograms, err := tx.DeleteHistograms(ctx, issue.ID)
		if err != nil {
			return err
		}
		if err := tx.DeleteIssue(ctx, issue.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				m.logger.Debug("issue row already deleted", "issue_id", issue.ID)
				return nil
			}
			return err
		}

		m.logger.Info("deleted issue",
			"issue_id", issue.ID,
			"evaluation_results_cleared", cleared,
			"histogram_rows", histograms,
		)
		m.events.PublishLater(tx, events.Event{
			Type:        events.IssueDeleted,
			WorkspaceID: issue.WorkspaceID,
			IssueID:     issue.ID,
		})
		return nil
	})
}

// removeVector deletes the issue's record if present and removes the tenant
// once it is empty.
func (m *Manager) removeVector(ctx context.Context, issue *store.Issue) error {
	tenant := TenantKey(issue)

	exists, err := m.index.Exists(ctx, tenant, issue.UUID)
	if err != nil {
		return fmt.Errorf("check vector of issue %d: %w", issue.ID, err)
	}
	if exists {
		err := m.index.DeleteByID(ctx, tenant, issue.UUID)
		switch {
		case errors.Is(err, vectorindex.ErrNotFound):
			m.logger.Warn("issue vector vanished before delete", "issue_id", issue.ID, "tenant", tenant)
		case err != nil:
			return fmt.Errorf("delete vector of issue %d: %w", issue.ID, err)
		}
	} else {
		m.logger.Debug("issue vector already absent", "issue_id", issue.ID, "tenant", tenant)
	}

	return m.collectTenant(ctx, tenant)
}

// collectTenant removes tenant when it holds no more records.
func (m *Manager) collectTenant(ctx context.Context, tenant string) error {
	n, err := m.index.Length(ctx, tenant)
	if err != nil {
		return fmt.Errorf("count tenant %s: %w", tenant, err)
	}
	if n > 0 {
		return nil
	}
	if err := m.index.RemoveTenant(ctx, tenant); err != nil {
		return fmt.Errorf("remove tenant %s: %w", tenant, err)
	}
	m.logger.Info("removed empty tenant", "tenant", tenant)
	return nil
}

// Merge folds mergedIDs into anchorID in one transaction: the merged issues
// become terminal, their evaluation results and histogram counts move to the
// anchor and their centroids are added to the anchor's. issueMerged is
// queued for vector cleanup.
func (m *Manager) Merge(ctx context.Context, anchorID int64, mergedIDs []int64) (*store.Issue, error) {
	ids, err := mergeIDs(anchorID, mergedIDs)
	if err != nil {
		return nil, err
	}

	var anchor *store.Issue
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		anchor, err = tx.GetIssue(ctx, anchorID)
		if err != nil {
			return err
		}
		if anchor.IsMerged() {
			return fmt.Errorf("%w: anchor %d is itself merged", store.ErrInvalidMerge, anchorID)
		}

		folded := anchor.Centroid
		for _, id := range ids {
			issue, err := tx.GetIssue(ctx, id)
			if err != nil {
				return err
			}
			if issue.IsMerged() {
				return fmt.Errorf("%w: issue %d is already merged", store.ErrInvalidMerge, id)
			}
			if TenantKey(issue) != TenantKey(anchor) {
				return fmt.Errorf("%w: issue %d belongs to another document", store.ErrInvalidMerge, id)
			}
			if folded, err = folded.Merge(issue.Centroid); err != nil {
				return fmt.Errorf("fold centroid of issue %d: %w", id, err)
			}
		}

		now := m.now()
		if err := tx.MarkMerged(ctx, ids, anchor.ID, now); err != nil {
			return err
		}
		if _, err := tx.RepointEvaluationResults(ctx, ids, anchor.ID); err != nil {
			return err
		}
		if err := tx.MoveHistograms(ctx, ids, anchor, now); err != nil {
			return err
		}
		if err := tx.UpdateIssue(ctx, anchor.ID, store.IssueUpdate{Centroid: &folded}, now); err != nil {
			return err
		}
		anchor.Centroid = folded
		anchor.UpdatedAt = now.UTC()

		m.events.PublishLater(tx, events.Event{
			Type:        events.IssueMerged,
			WorkspaceID: anchor.WorkspaceID,
			IssueID:     anchor.ID,
			AnchorID:    anchor.ID,
			MergedIDs:   ids,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(anchor.Centroid.Base) > 0 {
		rec := vectorindex.Record{ID: anchor.UUID, Vector: anchor.Centroid.Normalized()}
		if err := m.writeVector(ctx, anchor, rec); err != nil {
			m.logger.Warn("anchor vector not refreshed after merge", "issue_id", anchor.ID, "error", err)
		}
	}

	m.logger.Info("merged issues", "anchor_id", anchor.ID, "merged_ids", ids)
	return anchor, nil
}

func mergeIDs(anchorID int64, mergedIDs []int64) ([]int64, error) {
	seen := make(map[int64]bool, len(mergedIDs))
	ids := make([]int64, 0, len(mergedIDs))
	for _, id := range mergedIDs {
		if id == anchorID {
			return nil, fmt.Errorf("%w: cannot merge issue %d into itself", store.ErrInvalidMerge, id)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no issues to merge", ErrInvalidInput)
	}
	return ids, nil
}

// RemoveMergedIssueVectors deletes the vectors of merged issues. Each id is
// handled on its own; failures are logged and the loop moves on because the
// relational merge has already committed. It returns how many ids failed.
func (m *Manager) RemoveMergedIssueVectors(ctx context.Context, mergedIDs []int64) int {
	failed := 0
	for _, id := range mergedIDs {
		if err := m.removeMergedVector(ctx, id); err != nil {
			failed++
			m.logger.Error("merged issue vector cleanup failed", "issue_id", id, "error", err)
		}
	}
	return failed
}

func (m *Manager) removeMergedVector(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	issue, err := m.store.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	return m.removeVector(ctx, issue)
}

// HandleIssueMerged is the issueMerged subscriber.
func (m *Manager) HandleIssueMerged(ctx context.Context, e events.Event) error {
	if failed := m.RemoveMergedIssueVectors(ctx, e.MergedIDs); failed > 0 {
		m.logger.Warn("some merged issue vectors remain", "anchor_id", e.AnchorID, "failed", failed)
	}
	return nil
}

// RecordOccurrences adds entries to the issue histograms.
func (m *Manager) RecordOccurrences(ctx context.Context, entries []store.HistogramEntry) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AddHistograms(ctx, entries, m.now())
	})
}

// Status derives the current status of issue from its histogram.
func (m *Manager) Status(ctx context.Context, issue *store.Issue) (escalation.Status, error) {
	now := m.now()
	buckets, err := m.store.Histogram(ctx, issue.ID, historySince(now, issue))
	if err != nil {
		return escalation.Status{}, err
	}
	return escalation.StatusOf(now, issue.Timestamps(), buckets), nil
}

// RefreshEscalation re-runs escalation detection for issue and persists a
// change of escalatingAt, publishing issueEscalating when it starts.
func (m *Manager) RefreshEscalation(ctx context.Context, issue *store.Issue) (escalation.Status, error) {
	var st escalation.Status
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = m.refreshEscalationTx(ctx, tx, issue)
		return err
	})
	return st, err
}

// refreshEscalationTx persists a change of escalatingAt within tx. issue is
// only updated once tx commits, so a replayed transaction sees the original
// value again.
func (m *Manager) refreshEscalationTx(ctx context.Context, tx *store.Tx, issue *store.Issue) (escalation.Status, error) {
	now := m.now()
	buckets, err := tx.Histogram(ctx, issue.ID, historySince(now, issue))
	if err != nil {
		return escalation.Status{}, err
	}
	st := escalation.StatusOf(now, issue.Timestamps(), buckets)

	var next *time.Time
	switch {
	case st.IsEscalating && issue.EscalatingAt == nil:
		at := now.UTC()
		next = &at
	case !st.IsEscalating && issue.EscalatingAt != nil:
		// cleared
	default:
		return st, nil
	}

	if err := tx.UpdateIssue(ctx, issue.ID, store.IssueUpdate{EscalatingAt: &next}, now); err != nil {
		return st, err
	}
	if next != nil {
		m.logger.Info("issue escalating",
			"issue_id", issue.ID,
			"current_window", st.Escalation.CurrentWindowCount,
			"previous_average", st.Escalation.PreviousAverage,
		)
		m.events.PublishLater(tx, events.Event{
			Type:        events.IssueEscalating,
			WorkspaceID: issue.WorkspaceID,
			IssueID:     issue.ID,
		})
	}
	tx.AfterCommit(func() { issue.EscalatingAt = next })
	return st, nil
}

// historySince is the first day of histogram StatusOf needs: both escalation
// windows, reaching back to the resolution when that is older so any later
// activity counts as a regression.
func historySince(now time.Time, issue *store.Issue) time.Time {
	since := now.Add(-escalationLookback)
	if issue.ResolvedAt != nil && issue.ResolvedAt.Before(since) {
		since = *issue.ResolvedAt
	}
	return since
}

// Resolve marks the issue resolved now.
func (m *Manager) Resolve(ctx context.Context, id int64) (*store.Issue, error) {
	now := m.now().UTC()
	return m.setTimestamp(ctx, id, "resolved_at", &now)
}

// Unresolve clears the resolution.
func (m *Manager) Unresolve(ctx context.Context, id int64) (*store.Issue, error) {
	return m.setTimestamp(ctx, id, "resolved_at", nil)
}

// Ignore marks the issue ignored. Ignored issues still match new failures.
func (m *Manager) Ignore(ctx context.Context, id int64) (*store.Issue, error) {
	now := m.now().UTC()
	return m.setTimestamp(ctx, id, "ignored_at", &now)
}

// Unignore clears the ignored flag.
func (m *Manager) Unignore(ctx context.Context, id int64) (*store.Issue, error) {
	return m.setTimestamp(ctx, id, "ignored_at", nil)
}

func (m *Manager) setTimestamp(ctx context.Context, id int64, column string, value *time.Time) (*store.Issue, error) {
	var issue *store.Issue
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		issue, err = tx.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		if issue.IsMerged() {
			return fmt.Errorf("%w: issue %d is merged", ErrInvalidInput, id)
		}
		if err := tx.SetTimestamp(ctx, id, column, value, m.now()); err != nil {
			return err
		}
		issue, err = tx.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		m.events.PublishLater(tx, events.Event{
			Type:        events.IssueUpdated,
			WorkspaceID: issue.WorkspaceID,
			IssueID:     issue.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}
