package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bull/evalissues/internal/centroid"
)

const issueColumns = `id, uuid, workspace_id, project_id, document_uuid, title, description,
	centroid, created_at, updated_at, resolved_at, ignored_at, merged_at,
	merged_to_issue_id, escalating_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (*Issue, error) {
	var (
		issue        Issue
		rawCentroid  string
		resolvedAt   sql.NullTime
		ignoredAt    sql.NullTime
		mergedAt     sql.NullTime
		mergedTo     sql.NullInt64
		escalatingAt sql.NullTime
	)
	err := row.Scan(
		&issue.ID, &issue.UUID, &issue.WorkspaceID, &issue.ProjectID, &issue.DocumentUUID,
		&issue.Title, &issue.Description, &rawCentroid, &issue.CreatedAt, &issue.UpdatedAt,
		&resolvedAt, &ignoredAt, &mergedAt, &mergedTo, &escalatingAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(rawCentroid), &issue.Centroid); err != nil {
		return nil, fmt.Errorf("decode centroid of issue %d: %w", issue.ID, err)
	}
	issue.CreatedAt = issue.CreatedAt.UTC()
	issue.UpdatedAt = issue.UpdatedAt.UTC()
	issue.ResolvedAt = nullTime(resolvedAt)
	issue.IgnoredAt = nullTime(ignoredAt)
	issue.MergedAt = nullTime(mergedAt)
	issue.EscalatingAt = nullTime(escalatingAt)
	if mergedTo.Valid {
		id := mergedTo.Int64
		issue.MergedToIssueID = &id
	}
	return &issue, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func encodeCentroid(c centroid.Centroid) (string, error) {
	if c.Base == nil {
		c.Base = []float32{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode centroid: %w", err)
	}
	return string(raw), nil
}

func getIssue(ctx context.Context, q querier, d dialect, where string, args ...any) (*Issue, error) {
	row := q.QueryRowContext(ctx, d.rebind(`SELECT `+issueColumns+` FROM issues WHERE `+where), args...)
	return scanIssue(row)
}

func listIssues(ctx context.Context, q querier, d dialect, where string, args ...any) ([]*Issue, error) {
	rows, err := q.QueryContext(ctx, d.rebind(`SELECT `+issueColumns+` FROM issues WHERE `+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// GetIssue returns the issue with id or ErrNotFound.
func (s *Store) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	issue, err := getIssue(ctx, s.db, s.dialect, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", id, err)
	}
	return issue, nil
}

// GetIssueByUUID returns the issue with uuid or ErrNotFound.
func (s *Store) GetIssueByUUID(ctx context.Context, uuid string) (*Issue, error) {
	issue, err := getIssue(ctx, s.db, s.dialect, `uuid = ?`, uuid)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", uuid, err)
	}
	return issue, nil
}

// GetIssuesByUUIDs returns the issues found among uuids, keyed by uuid.
// Unknown uuids are simply absent from the map.
func (s *Store) GetIssuesByUUIDs(ctx context.Context, uuids []string) (map[string]*Issue, error) {
	out := make(map[string]*Issue, len(uuids))
	if len(uuids) == 0 {
		return out, nil
	}
	args := make([]any, len(uuids))
	for i, u := range uuids {
		args[i] = u
	}
	issues, err := listIssues(ctx, s.db, s.dialect, `uuid IN (`+placeholders(len(uuids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get issues by uuid: %w", err)
	}
	for _, issue := range issues {
		out[issue.UUID] = issue
	}
	return out, nil
}

// ListDocumentIssues returns the issues of one document, oldest first.
func (s *Store) ListDocumentIssues(ctx context.Context, workspaceID, projectID int64, documentUUID string, includeMerged bool) ([]*Issue, error) {
	where := `workspace_id = ? AND project_id = ? AND document_uuid = ?`
	if !includeMerged {
		where += ` AND merged_at IS NULL`
	}
	issues, err := listIssues(ctx, s.db, s.dialect, where, workspaceID, projectID, documentUUID)
	if err != nil {
		return nil, fmt.Errorf("list document issues: %w", err)
	}
	return issues, nil
}

// GetIssue returns the issue with id or ErrNotFound.
func (t *Tx) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	issue, err := getIssue(ctx, t.tx, t.dialect, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", id, err)
	}
	return issue, nil
}

// CreateIssue inserts a new issue and returns it with its id.
func (t *Tx) CreateIssue(ctx context.Context, in NewIssue, now time.Time) (*Issue, error) {
	raw, err := encodeCentroid(in.Centroid)
	if err != nil {
		return nil, err
	}
	now = now.UTC()

	var id int64
	err = t.tx.QueryRowContext(ctx, t.dialect.rebind(`
		INSERT INTO issues (uuid, workspace_id, project_id, document_uuid, title, description,
			centroid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		in.UUID, in.WorkspaceID, in.ProjectID, in.DocumentUUID, in.Title, in.Description,
		raw, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	return &Issue{
		ID:           id,
		UUID:         in.UUID,
		WorkspaceID:  in.WorkspaceID,
		ProjectID:    in.ProjectID,
		DocumentUUID: in.DocumentUUID,
		Title:        in.Title,
		Description:  in.Description,
		Centroid:     in.Centroid,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// UpdateIssue changes the columns set in u and bumps updated_at.
func (t *Tx) UpdateIssue(ctx context.Context, id int64, u IssueUpdate, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{now.UTC()}

	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.Centroid != nil {
		raw, err := encodeCentroid(*u.Centroid)
		if err != nil {
			return err
		}
		sets = append(sets, "centroid = ?")
		args = append(args, raw)
	}
	if u.EscalatingAt != nil {
		sets = append(sets, "escalating_at = ?")
		args = append(args, timeArg(*u.EscalatingAt))
	}

	args = append(args, id)
	res, err := t.exec(ctx, `UPDATE issues SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update issue %d: %w", id, err)
	}
	return expectRow(res, id)
}

// timestampColumns are the lifecycle columns SetTimestamp may touch.
var timestampColumns = map[string]bool{
	"resolved_at": true,
	"ignored_at":  true,
}

// SetTimestamp sets or, with a nil value, clears a lifecycle timestamp.
func (t *Tx) SetTimestamp(ctx context.Context, id int64, column string, value *time.Time, now time.Time) error {
	if !timestampColumns[column] {
		return fmt.Errorf("set timestamp: unknown column %q", column)
	}
	res, err := t.exec(ctx, `UPDATE issues SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		timeArg(value), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("set %s on issue %d: %w", column, id, err)
	}
	return expectRow(res, id)
}

// MarkMerged flags ids as merged into anchorID.
func (t *Tx) MarkMerged(ctx context.Context, ids []int64, anchorID int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	now = now.UTC()
	args := []any{now, anchorID, now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.exec(ctx, `UPDATE issues SET merged_at = ?, merged_to_issue_id = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	return nil
}

// DeleteIssue removes the issue row. Histograms and evaluation back
// references are the caller's responsibility.
func (t *Tx) DeleteIssue(ctx context.Context, id int64) error {
	res, err := t.exec(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete issue %d: %w", id, err)
	}
	return expectRow(res, id)
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("issue %d: %w", id, ErrNotFound)
	}
	return nil
}
