package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddingsServer answers /v1/embeddings with one vector per input,
// each filled with the input's position + 1.
func fakeEmbeddingsServer(t *testing.T, dim int, status int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
			return
		}

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float64, dim)
			for j := range vec {
				vec[j] = float64(i + 1)
			}
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func newTestEmbedder(t *testing.T, srv *httptest.Server, dim int) *Embedder {
	t.Helper()
	client, err := NewClient("sk-test", srv.URL+"/v1/")
	require.NoError(t, err)
	return NewEmbedder(client, "", dim)
}

func TestEmbed(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddingsServer(t, 8, http.StatusOK, &calls)
	defer srv.Close()

	embedder := newTestEmbedder(t, srv, 8)

	vec, err := embedder.Embed(context.Background(), "answer contradicts the source")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, float32(1), vec[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateEmbeddings_Batches(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddingsServer(t, 4, http.StatusOK, &calls)
	defer srv.Close()

	embedder := newTestEmbedder(t, srv, 4)
	embedder.batchSize = 2

	vecs, err := embedder.GenerateEmbeddings(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(1), vecs[2][0], "third text is first of second batch")
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbed_DimensionMismatchIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddingsServer(t, 3, http.StatusOK, &calls)
	defer srv.Close()

	embedder := newTestEmbedder(t, srv, 8)

	_, err := embedder.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_ClientErrorSurfaces(t *testing.T) {
	var calls atomic.Int32
	srv := fakeEmbeddingsServer(t, 8, http.StatusBadRequest, &calls)
	defer srv.Close()

	embedder := newTestEmbedder(t, srv, 8)

	vec, err := embedder.Embed(context.Background(), "text")
	assert.Error(t, err)
	assert.Nil(t, vec, "no zero vector on failure")
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestEmbed_EmptyText(t *testing.T) {
	embedder := NewEmbedder(&Client{}, "", 0)

	_, err := embedder.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Equal(t, DefaultDimension, embedder.Dimension())
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient("", "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}
