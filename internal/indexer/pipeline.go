// Package indexer rebuilds the vector records of a document's issues from
// the relational store, repairing rows whose vector write failed.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bull/evalissues/internal/centroid"
	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/store"
)

// IndexResult contains statistics about a rebuild.
type IndexResult struct {
	TotalIssues    int
	IndexedIssues  int
	EmbeddedIssues int
	RemovedMerged  int
	FailedIssues   []FailedIssue
	FailedMerged   int
	Duration       time.Duration
}

// FailedIssue is an issue whose vector could not be written.
type FailedIssue struct {
	ID     int64
	Reason string
}

// BatchEmbedder embeds many texts in as few requests as possible.
type BatchEmbedder interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline rewrites issue vectors through the lifecycle manager, so the
// same insert-or-update rules apply as during ingestion.
type Pipeline struct {
	store    *store.Store
	manager  *issues.Manager
	embedder BatchEmbedder
	logger   *slog.Logger
}

// NewPipeline creates a rebuild pipeline. With a nil embedder, issues
// without a centroid are indexed by text alone.
func NewPipeline(st *store.Store, manager *issues.Manager, embedder BatchEmbedder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		manager:  manager,
		embedder: embedder,
		logger:   logger,
	}
}

// IndexDocument writes the vector of every live issue of the document and
// removes the vectors of its merged issues. A failing issue is recorded and
// the loop moves on.
func (p *Pipeline) IndexDocument(ctx context.Context, workspaceID, projectID int64, documentUUID string) (*IndexResult, error) {
	start := time.Now()
	result := &IndexResult{}

	found, err := p.store.ListDocumentIssues(ctx, workspaceID, projectID, documentUUID, true)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	result.TotalIssues = len(found)
	p.logger.Info("Starting rebuild", "document_uuid", documentUUID, "issues", len(found))

	var live, merged []*store.Issue
	for _, issue := range found {
		if issue.IsMerged() {
			merged = append(merged, issue)
			continue
		}
		live = append(live, issue)
	}

	vectors := p.embedMissing(ctx, live)
	result.EmbeddedIssues = len(vectors)

	for _, issue := range live {
		if err := p.indexIssue(ctx, issue, vectors[issue.ID]); err != nil {
			p.logger.Warn("Failed to index issue", "issue_id", issue.ID, "error", err)
			result.FailedIssues = append(result.FailedIssues, FailedIssue{
				ID:     issue.ID,
				Reason: err.Error(),
			})
			continue
		}
		result.IndexedIssues++
	}

	// Merged issues go last so the tenant is never emptied and removed
	// while live issues are still being written.
	if len(merged) > 0 {
		ids := make([]int64, len(merged))
		for i, issue := range merged {
			ids[i] = issue.ID
		}
		result.FailedMerged = p.manager.RemoveMergedIssueVectors(ctx, ids)
		result.RemovedMerged = len(merged) - result.FailedMerged
	}

	result.Duration = time.Since(start)
	p.logger.Info("Rebuild complete",
		"indexed", result.IndexedIssues,
		"embedded", result.EmbeddedIssues,
		"failed", len(result.FailedIssues),
		"merged_removed", result.RemovedMerged,
		"duration", result.Duration,
	)
	return result, nil
}

// embedMissing embeds the issues that have no centroid yet in one batched
// call. A failed call is logged and those issues keep a text-only record.
func (p *Pipeline) embedMissing(ctx context.Context, live []*store.Issue) map[int64][]float32 {
	if p.embedder == nil {
		return nil
	}

	var (
		pending []*store.Issue
		texts   []string
	)
	for _, issue := range live {
		if !issue.Centroid.Empty() {
			continue
		}
		text := issue.Description
		if text == "" {
			text = issue.Title
		}
		pending = append(pending, issue)
		texts = append(texts, text)
	}
	if len(pending) == 0 {
		return nil
	}

	embeddings, err := p.embedder.GenerateEmbeddings(ctx, texts)
	if err == nil && len(embeddings) != len(pending) {
		err = fmt.Errorf("expected %d embeddings, got %d", len(pending), len(embeddings))
	}
	if err != nil {
		p.logger.Warn("Failed to embed issues without centroid", "issues", len(pending), "error", err)
		return nil
	}

	vectors := make(map[int64][]float32, len(pending))
	for i, issue := range pending {
		vectors[issue.ID] = embeddings[i]
	}
	return vectors
}

func (p *Pipeline) indexIssue(ctx context.Context, issue *store.Issue, embedding []float32) error {
	title, description := issue.Title, issue.Description
	in := issues.UpdateInput{Title: &title, Description: &description}
	switch {
	case !issue.Centroid.Empty():
		c := issue.Centroid
		in.Centroid = &c
	case embedding != nil:
		c, err := centroid.Centroid{}.Add(embedding)
		if err != nil {
			return err
		}
		in.Centroid = &c
	}
	_, err := p.manager.Update(ctx, issue, in)
	return err
}
