package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evalissues/internal/centroid"
	"github.com/bull/evalissues/internal/events"
	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

// recordingIndex accepts every call and remembers inserted ids. Inserts of
// ids in failFor fail.
type recordingIndex struct {
	vectorindex.Disabled

	mu       sync.Mutex
	inserted map[string]vectorindex.Record
	failFor  map[string]bool
}

func (r *recordingIndex) Insert(_ context.Context, _ string, rec vectorindex.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[rec.ID] {
		return errors.New("qdrant unavailable")
	}
	r.inserted[rec.ID] = rec
	return nil
}

// fakeBatchEmbedder returns vector for every text and remembers each call.
type fakeBatchEmbedder struct {
	vector []float32
	err    error
	calls  [][]string
}

func (f *fakeBatchEmbedder) GenerateEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func newPipeline(t *testing.T, index vectorindex.Index, embedder BatchEmbedder) (*Pipeline, *store.Store, *issues.Manager) {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "issues.db") + "?_time_format=sqlite"
	st, err := store.Open(ctx, store.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	manager := issues.NewManager(st, index, events.NewBus(0, nil), nil)
	return NewPipeline(st, manager, embedder, nil), st, manager
}

func createIssue(t *testing.T, manager *issues.Manager, title string, c centroid.Centroid) *store.Issue {
	t.Helper()
	issue, err := manager.Create(context.Background(), store.NewIssue{
		WorkspaceID:  1,
		ProjectID:    2,
		DocumentUUID: "doc-1",
		Title:        title,
		Description:  title + " description",
		Centroid:     c,
	})
	require.NoError(t, err)
	return issue
}

func TestIndexDocument(t *testing.T) {
	index := &recordingIndex{inserted: map[string]vectorindex.Record{}, failFor: map[string]bool{}}
	pipeline, _, manager := newPipeline(t, index, nil)
	ctx := context.Background()

	withVector := createIssue(t, manager, "Wrong currency", centroid.Centroid{Base: []float32{3, 4}, Weight: 1})
	textOnly := createIssue(t, manager, "Missing unit", centroid.Centroid{})
	broken := createIssue(t, manager, "Truncated answer", centroid.Centroid{Base: []float32{1, 0}, Weight: 1})
	merged := createIssue(t, manager, "Currency mismatch", centroid.Centroid{Base: []float32{0, 1}, Weight: 1})
	_, err := manager.Merge(ctx, withVector.ID, []int64{merged.ID})
	require.NoError(t, err)
	index.failFor[broken.UUID] = true

	result, err := pipeline.IndexDocument(ctx, 1, 2, "doc-1")
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalIssues)
	assert.Equal(t, 2, result.IndexedIssues)
	assert.Equal(t, 1, result.RemovedMerged)
	require.Len(t, result.FailedIssues, 1)
	assert.Equal(t, broken.ID, result.FailedIssues[0].ID)

	rec := index.inserted[withVector.UUID]
	require.NotNil(t, rec.Properties)
	assert.Equal(t, "Wrong currency", rec.Properties.Title)
	assert.NotEmpty(t, rec.Vector)

	rec = index.inserted[textOnly.UUID]
	require.NotNil(t, rec.Properties)
	assert.Nil(t, rec.Vector, "no dense vector without a centroid")

	_, ok := index.inserted[merged.UUID]
	assert.False(t, ok)
}

func TestIndexDocument_EmptyDocument(t *testing.T) {
	pipeline, _, _ := newPipeline(t, vectorindex.Disabled{}, &fakeBatchEmbedder{})

	result, err := pipeline.IndexDocument(context.Background(), 1, 2, "nothing-here")
	require.NoError(t, err)
	assert.Zero(t, result.TotalIssues)
	assert.Empty(t, result.FailedIssues)
}

func TestIndexDocument_EmbedsIssuesWithoutCentroid(t *testing.T) {
	index := &recordingIndex{inserted: map[string]vectorindex.Record{}, failFor: map[string]bool{}}
	embedder := &fakeBatchEmbedder{vector: []float32{0, 2}}
	pipeline, st, manager := newPipeline(t, index, embedder)
	ctx := context.Background()

	withVector := createIssue(t, manager, "Wrong currency", centroid.Centroid{Base: []float32{3, 4}, Weight: 1})
	first := createIssue(t, manager, "Missing unit", centroid.Centroid{})
	second := createIssue(t, manager, "Truncated answer", centroid.Centroid{})

	result, err := pipeline.IndexDocument(ctx, 1, 2, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.IndexedIssues)
	assert.Equal(t, 2, result.EmbeddedIssues)

	require.Len(t, embedder.calls, 1, "one batched call")
	assert.ElementsMatch(t, []string{"Missing unit description", "Truncated answer description"}, embedder.calls[0])

	for _, issue := range []*store.Issue{first, second} {
		rec := index.inserted[issue.UUID]
		assert.Equal(t, []float32{0, 1}, rec.Vector)

		stored, err := st.GetIssue(ctx, issue.ID)
		require.NoError(t, err)
		assert.Equal(t, centroid.Centroid{Base: []float32{0, 2}, Weight: 1}, stored.Centroid)
	}
	assert.Equal(t, []float32{0.6, 0.8}, index.inserted[withVector.UUID].Vector)
}

func TestIndexDocument_EmbeddingFailureFallsBackToText(t *testing.T) {
	index := &recordingIndex{inserted: map[string]vectorindex.Record{}, failFor: map[string]bool{}}
	embedder := &fakeBatchEmbedder{err: errors.New("rate limited")}
	pipeline, st, manager := newPipeline(t, index, embedder)
	ctx := context.Background()

	issue := createIssue(t, manager, "Missing unit", centroid.Centroid{})

	result, err := pipeline.IndexDocument(ctx, 1, 2, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.IndexedIssues)
	assert.Zero(t, result.EmbeddedIssues)
	assert.Empty(t, result.FailedIssues)

	rec := index.inserted[issue.UUID]
	require.NotNil(t, rec.Properties)
	assert.Nil(t, rec.Vector)

	stored, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, stored.Centroid.Empty())
}
