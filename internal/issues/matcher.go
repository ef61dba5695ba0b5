package issues

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bull/evalissues/internal/rerank"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

// DefaultDiscoveryLimit is how many hybrid search hits are shortlisted.
const DefaultDiscoveryLimit = 10

// IssueLookup loads issues by uuid. Unknown uuids are absent from the result.
type IssueLookup interface {
	GetIssuesByUUIDs(ctx context.Context, uuids []string) (map[string]*store.Issue, error)
}

// DiscoverInput identifies a failure and the document it belongs to.
type DiscoverInput struct {
	WorkspaceID  int64
	ProjectID    int64
	DocumentUUID string
	Text         string
}

// Discovery is the outcome of matching. Embedding is always set on success
// so callers can fold it into a centroid; Issue is nil when nothing matched.
type Discovery struct {
	Embedding []float32
	Issue     *store.Issue
	Relevance float64
}

// Matcher finds the existing issue a failure belongs to.
type Matcher struct {
	embedder Embedder
	index    vectorindex.Index
	issues   IssueLookup
	reranker rerank.Reranker
	limit    int
	logger   *slog.Logger
}

// NewMatcher creates a matcher. limit <= 0 uses DefaultDiscoveryLimit.
func NewMatcher(embedder Embedder, index vectorindex.Index, issues IssueLookup, reranker rerank.Reranker, limit int, logger *slog.Logger) *Matcher {
	if limit <= 0 {
		limit = DefaultDiscoveryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		embedder: embedder,
		index:    index,
		issues:   issues,
		reranker: reranker,
		limit:    limit,
		logger:   logger,
	}
}

// Discover embeds the failure text, searches the document's tenant, drops
// merged issues and reranks what is left. Resolved and ignored issues stay
// eligible so recurrences are attributed to them.
//
// Embedding, index, lookup and rerank failures are returned. An empty
// shortlist at any step is a miss, not an error.
func (m *Matcher) Discover(ctx context.Context, in DiscoverInput) (*Discovery, error) {
	if in.Text == "" || in.DocumentUUID == "" {
		return nil, fmt.Errorf("%w: text and document uuid are required", ErrInvalidInput)
	}

	embedding, err := m.embedder.Embed(ctx, in.Text)
	if err != nil {
		return nil, fmt.Errorf("embed failure text: %w", err)
	}
	result := &Discovery{Embedding: embedding}

	tenant := vectorindex.TenantKey(in.WorkspaceID, in.ProjectID, in.DocumentUUID)
	hits, err := m.index.HybridSearch(ctx, tenant, vectorindex.SearchQuery{
		Text:             in.Text,
		Vector:           embedding,
		ReturnProperties: []string{vectorindex.PropertyTitle, vectorindex.PropertyDescription},
		Limit:            m.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search tenant %s: %w", tenant, err)
	}
	if len(hits) == 0 {
		m.logger.Debug("no search hits", "tenant", tenant)
		return result, nil
	}

	candidates, byUUID, err := m.eligible(ctx, tenant, hits)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	ranked, err := m.reranker.Rerank(ctx, in.Text, candidates)
	if err != nil {
		return nil, fmt.Errorf("rerank candidates: %w", err)
	}
	if len(ranked) == 0 {
		m.logger.Debug("no candidate survived rerank", "tenant", tenant, "candidates", len(candidates))
		return result, nil
	}

	best := ranked[0]
	result.Issue = byUUID[best.ID]
	result.Relevance = best.Relevance
	m.logger.Debug("matched issue", "tenant", tenant, "issue_id", result.Issue.ID, "relevance", best.Relevance)
	return result, nil
}

// eligible drops hits whose issue is merged or no longer exists.
func (m *Matcher) eligible(ctx context.Context, tenant string, hits []vectorindex.Hit) ([]rerank.Candidate, map[string]*store.Issue, error) {
	uuids := make([]string, len(hits))
	for i, h := range hits {
		uuids[i] = h.ID
	}
	found, err := m.issues.GetIssuesByUUIDs(ctx, uuids)
	if err != nil {
		return nil, nil, fmt.Errorf("load candidate issues: %w", err)
	}

	candidates := make([]rerank.Candidate, 0, len(hits))
	for _, h := range hits {
		issue, ok := found[h.ID]
		if !ok {
			m.logger.Warn("search hit without issue row", "tenant", tenant, "uuid", h.ID)
			continue
		}
		if issue.IsMerged() {
			continue
		}
		title, description := h.Title, h.Description
		if title == "" {
			title, description = issue.Title, issue.Description
		}
		candidates = append(candidates, rerank.Candidate{
			ID:          h.ID,
			Title:       title,
			Description: description,
			Score:       h.Score,
		})
	}
	return candidates, found, nil
}
