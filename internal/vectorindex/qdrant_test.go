package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw      string
		wantHost string
		wantPort int
		wantTLS  bool
	}{
		{raw: "localhost:6334", wantHost: "localhost", wantPort: 6334},
		{raw: "qdrant", wantHost: "qdrant", wantPort: defaultPort},
		{raw: "http://qdrant.internal:7000", wantHost: "qdrant.internal", wantPort: 7000},
		{raw: "https://xyz.cloud.qdrant.io:6334", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, port, useTLS, err := parseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestParseURL_Invalid(t *testing.T) {
	_, _, _, err := parseURL("")
	assert.Error(t, err)

	_, _, _, err = parseURL("localhost:port")
	assert.Error(t, err)
}

func TestVectors_DimensionChecked(t *testing.T) {
	q := &Qdrant{dimension: 3}

	_, err := q.vectors(Record{ID: "x", Vector: []float32{1, 2}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	vecs, err := q.vectors(Record{ID: "x", Properties: &Properties{Title: "a", Description: "b"}})
	require.NoError(t, err)
	assert.Contains(t, vecs, vectorTitle)
	assert.Contains(t, vecs, vectorDescription)
	assert.NotContains(t, vecs, vectorCentroid)
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	var idx Index = Disabled{}

	assert.NoError(t, idx.Insert(ctx, "t", Record{ID: "x"}))
	exists, err := idx.Exists(ctx, "t", "x")
	assert.NoError(t, err)
	assert.False(t, exists)
	hits, err := idx.HybridSearch(ctx, "t", SearchQuery{Text: "q"})
	assert.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, idx.DeleteByID(ctx, "t", "x"))
}
