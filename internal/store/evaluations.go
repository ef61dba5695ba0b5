package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const evaluationColumns = `id, uuid, workspace_id, project_id, document_uuid, commit_id,
	evaluation_uuid, reason, issue_id, created_at`

func scanEvaluationResult(row scanner) (*EvaluationResult, error) {
	var (
		r       EvaluationResult
		issueID sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.UUID, &r.WorkspaceID, &r.ProjectID, &r.DocumentUUID, &r.CommitID,
		&r.EvaluationUUID, &r.Reason, &issueID, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if issueID.Valid {
		id := issueID.Int64
		r.IssueID = &id
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// InsertEvaluationResult stores r and fills in its id and creation time.
func (t *Tx) InsertEvaluationResult(ctx context.Context, r *EvaluationResult, now time.Time) error {
	r.CreatedAt = now.UTC()
	var issueID any
	if r.IssueID != nil {
		issueID = *r.IssueID
	}
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(`
		INSERT INTO evaluation_results (uuid, workspace_id, project_id, document_uuid, commit_id,
			evaluation_uuid, reason, issue_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		r.UUID, r.WorkspaceID, r.ProjectID, r.DocumentUUID, r.CommitID,
		r.EvaluationUUID, r.Reason, issueID, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert evaluation result: %w", err)
	}
	return nil
}

// AssignEvaluationResult points the evaluation result id at issueID.
func (t *Tx) AssignEvaluationResult(ctx context.Context, id, issueID int64) error {
	res, err := t.exec(ctx, `UPDATE evaluation_results SET issue_id = ? WHERE id = ?`, issueID, id)
	if err != nil {
		return fmt.Errorf("assign evaluation result %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("evaluation result %d: %w", id, ErrNotFound)
	}
	return nil
}

// ClearEvaluationIssue unlinks every evaluation result pointing at issueID.
func (t *Tx) ClearEvaluationIssue(ctx context.Context, issueID int64) (int64, error) {
	res, err := t.exec(ctx, `UPDATE evaluation_results SET issue_id = NULL WHERE issue_id = ?`, issueID)
	if err != nil {
		return 0, fmt.Errorf("clear evaluation results of issue %d: %w", issueID, err)
	}
	return res.RowsAffected()
}

// RepointEvaluationResults moves evaluation results of fromIDs to anchorID.
func (t *Tx) RepointEvaluationResults(ctx context.Context, fromIDs []int64, anchorID int64) (int64, error) {
	if len(fromIDs) == 0 {
		return 0, nil
	}
	args := []any{anchorID}
	for _, id := range fromIDs {
		args = append(args, id)
	}
	res, err := t.exec(ctx, `UPDATE evaluation_results SET issue_id = ?
		WHERE issue_id IN (`+placeholders(len(fromIDs))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("repoint evaluation results: %w", err)
	}
	return res.RowsAffected()
}

// GetEvaluationResult returns the evaluation result with uuid or ErrNotFound.
func (s *Store) GetEvaluationResult(ctx context.Context, uuid string) (*EvaluationResult, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+evaluationColumns+`
		FROM evaluation_results WHERE uuid = ?`), uuid)
	r, err := scanEvaluationResult(row)
	if err != nil {
		return nil, fmt.Errorf("get evaluation result %s: %w", uuid, err)
	}
	return r, nil
}

// ListIssueEvaluationResults returns the newest evaluation results of issueID.
func (s *Store) ListIssueEvaluationResults(ctx context.Context, issueID int64, limit int) ([]*EvaluationResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+evaluationColumns+`
		FROM evaluation_results WHERE issue_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluation results of issue %d: %w", issueID, err)
	}
	defer rows.Close()

	var results []*EvaluationResult
	for rows.Next() {
		r, err := scanEvaluationResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
