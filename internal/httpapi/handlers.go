package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

// FailureRequest is the body of POST /v1/failures.
type FailureRequest struct {
	WorkspaceID    int64     `json:"workspace_id"`
	ProjectID      int64     `json:"project_id"`
	DocumentUUID   string    `json:"document_uuid"`
	CommitID       int64     `json:"commit_id"`
	EvaluationUUID string    `json:"evaluation_uuid"`
	ResultUUID     string    `json:"result_uuid,omitempty"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at,omitempty"`
}

// FailureResponse reports where a failure was attributed.
type FailureResponse struct {
	Issue      issues.View `json:"issue"`
	Created    bool        `json:"created"`
	Relevance  float64     `json:"relevance,omitempty"`
	ResultUUID string      `json:"result_uuid"`
}

// MergeRequest is the body of POST /v1/issues/{id}/merge.
type MergeRequest struct {
	MergedIDs []int64 `json:"merged_ids"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *api) handleFailure(w http.ResponseWriter, r *http.Request) {
	var req FailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, a.logger, fmt.Errorf("%w: %v", issues.ErrInvalidInput, err))
		return
	}

	out, err := a.processor.ProcessFailure(r.Context(), issues.FailureInput{
		WorkspaceID:    req.WorkspaceID,
		ProjectID:      req.ProjectID,
		DocumentUUID:   req.DocumentUUID,
		CommitID:       req.CommitID,
		EvaluationUUID: req.EvaluationUUID,
		ResultUUID:     req.ResultUUID,
		Reason:         req.Reason,
		OccurredAt:     req.OccurredAt,
	})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	code := http.StatusOK
	if out.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, FailureResponse{
		Issue:      issues.NewView(out.Issue, out.Status),
		Created:    out.Created,
		Relevance:  out.Relevance,
		ResultUUID: out.EvaluationResult.UUID,
	})
}

func (a *api) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := a.issueFromPath(r)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeIssue(r.Context(), w, http.StatusOK, issue)
}

func (a *api) handleDeleteIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := a.issueFromPath(r)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	if err := a.manager.Delete(r.Context(), issue); err != nil {
		writeError(w, a.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleMerge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, a.logger, fmt.Errorf("%w: %v", issues.ErrInvalidInput, err))
		return
	}

	anchor, err := a.manager.Merge(r.Context(), id, req.MergedIDs)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	a.writeIssue(r.Context(), w, http.StatusOK, anchor)
}

func (a *api) handleSetFlag(set func(ctx context.Context, id int64) (*store.Issue, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		issue, err := set(r.Context(), id)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		a.writeIssue(r.Context(), w, http.StatusOK, issue)
	}
}

func (a *api) handleRefreshEscalation(w http.ResponseWriter, r *http.Request) {
	issue, err := a.issueFromPath(r)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	st, err := a.manager.RefreshEscalation(r.Context(), issue)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, issues.NewView(issue, st))
}

func (a *api) writeIssue(ctx context.Context, w http.ResponseWriter, code int, issue *store.Issue) {
	st, err := a.manager.Status(ctx, issue)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	writeJSON(w, code, issues.NewView(issue, st))
}

func (a *api) issueFromPath(r *http.Request) (*store.Issue, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return a.store.GetIssue(r.Context(), id)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid issue id %q", issues.ErrInvalidInput, raw)
	}
	return id, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, issues.ErrInvalidInput),
		errors.Is(err, issues.ErrPartialTextUpdate),
		errors.Is(err, store.ErrInvalidMerge):
		return http.StatusBadRequest
	case errors.Is(err, vectorindex.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}
