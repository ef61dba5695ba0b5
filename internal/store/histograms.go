package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bull/evalissues/internal/escalation"
)

type histogramKey struct {
	issueID  int64
	commitID int64
	date     string
}

// SumHistogramEntries folds entries sharing (issue, commit, day) into one.
// The first entry of each key supplies the tenant columns.
func SumHistogramEntries(entries []HistogramEntry) []HistogramEntry {
	index := make(map[histogramKey]int, len(entries))
	var out []HistogramEntry
	for _, e := range entries {
		e.Date = Day(e.Date)
		key := histogramKey{e.IssueID, e.CommitID, e.Date.Format(dateLayout)}
		if i, ok := index[key]; ok {
			out[i].Count += e.Count
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

// AddHistograms adds entries to the stored counts. Existing rows for the same
// (issue, commit, day) are incremented, never overwritten.
func (t *Tx) AddHistograms(ctx context.Context, entries []HistogramEntry, now time.Time) error {
	now = now.UTC()
	for _, e := range SumHistogramEntries(entries) {
		if e.Count <= 0 {
			continue
		}
		_, err := t.exec(ctx, `
			INSERT INTO issue_histograms (workspace_id, project_id, document_uuid, issue_id,
				commit_id, date, count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (issue_id, commit_id, date)
			DO UPDATE SET count = issue_histograms.count + excluded.count, updated_at = excluded.updated_at`,
			e.WorkspaceID, e.ProjectID, e.DocumentUUID, e.IssueID,
			e.CommitID, e.Date.Format(dateLayout), e.Count, now, now,
		)
		if err != nil {
			return fmt.Errorf("add histogram for issue %d: %w", e.IssueID, err)
		}
	}
	return nil
}

// DeleteHistograms removes every histogram row of issueID.
func (t *Tx) DeleteHistograms(ctx context.Context, issueID int64) (int64, error) {
	res, err := t.exec(ctx, `DELETE FROM issue_histograms WHERE issue_id = ?`, issueID)
	if err != nil {
		return 0, fmt.Errorf("delete histograms of issue %d: %w", issueID, err)
	}
	return res.RowsAffected()
}

// MoveHistograms adds the histogram rows of fromIDs onto anchor and deletes
// the originals.
func (t *Tx) MoveHistograms(ctx context.Context, fromIDs []int64, anchor *Issue, now time.Time) error {
	if len(fromIDs) == 0 {
		return nil
	}
	args := make([]any, len(fromIDs))
	for i, id := range fromIDs {
		args[i] = id
	}
	in := placeholders(len(fromIDs))

	rows, err := t.tx.QueryContext(ctx, t.dialect.rebind(`
		SELECT commit_id, date, count FROM issue_histograms
		WHERE issue_id IN (`+in+`)`), args...)
	if err != nil {
		return fmt.Errorf("read histograms to move: %w", err)
	}
	var entries []HistogramEntry
	for rows.Next() {
		var (
			commitID int64
			date     string
			count    int
		)
		if err := rows.Scan(&commitID, &date, &count); err != nil {
			rows.Close()
			return err
		}
		day, err := time.Parse(dateLayout, date)
		if err != nil {
			rows.Close()
			return fmt.Errorf("parse histogram date %q: %w", date, err)
		}
		entries = append(entries, HistogramEntry{
			WorkspaceID:  anchor.WorkspaceID,
			ProjectID:    anchor.ProjectID,
			DocumentUUID: anchor.DocumentUUID,
			IssueID:      anchor.ID,
			CommitID:     commitID,
			Date:         day,
			Count:        count,
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if err := t.AddHistograms(ctx, entries, now); err != nil {
		return err
	}
	if _, err := t.exec(ctx, `DELETE FROM issue_histograms WHERE issue_id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("delete moved histograms: %w", err)
	}
	return nil
}

func histogram(ctx context.Context, q querier, d dialect, issueID int64, since time.Time) ([]escalation.Bucket, error) {
	rows, err := q.QueryContext(ctx, d.rebind(`
		SELECT date, SUM(count) FROM issue_histograms
		WHERE issue_id = ? AND date >= ?
		GROUP BY date`), issueID, Day(since).Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("read histogram of issue %d: %w", issueID, err)
	}
	defer rows.Close()

	var buckets []escalation.Bucket
	for rows.Next() {
		var (
			date  string
			count int64
		)
		if err := rows.Scan(&date, &count); err != nil {
			return nil, err
		}
		day, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("parse histogram date %q: %w", date, err)
		}
		buckets = append(buckets, escalation.Bucket{Date: day, Count: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Date.Before(buckets[j].Date) })
	return buckets, nil
}

// Histogram returns per-day counts of issueID from since onwards, summed
// across commits and ordered by day.
func (s *Store) Histogram(ctx context.Context, issueID int64, since time.Time) ([]escalation.Bucket, error) {
	return histogram(ctx, s.db, s.dialect, issueID, since)
}

// Histogram is Store.Histogram inside the transaction.
func (t *Tx) Histogram(ctx context.Context, issueID int64, since time.Time) ([]escalation.Bucket, error) {
	return histogram(ctx, t.tx, t.dialect, issueID, since)
}
