package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// DefaultModel supports shortened outputs through the dimensions parameter.
	DefaultModel = "text-embedding-3-large"

	// DefaultDimension must match the dense vector size of the issues collection.
	DefaultDimension = 2048

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	DefaultBatchSize = 100
)

var (
	// ErrEmptyText is returned for blank input; embedding it would produce noise.
	ErrEmptyText = errors.New("cannot embed empty text")
	// ErrDimensionMismatch is returned when the provider answers with a vector
	// of unexpected size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder generates embeddings with OpenAI, retrying rate-limited and
// transient server errors with exponential backoff.
type Embedder struct {
	client    *Client
	model     string
	dimension int
	batchSize int
}

// NewEmbedder creates a new Embedder. Zero values select the defaults.
func NewEmbedder(client *Client, model string, dimension int) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{
		client:    client,
		model:     model,
		dimension: dimension,
		batchSize: DefaultBatchSize,
	}
}

// Dimension is the size of every vector this embedder returns.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed returns the embedding for a single text. Errors are always surfaced;
// a zero vector is never returned in place of a failure.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	embeddings, err := e.embedBatchWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(embeddings))
	}
	return embeddings[0], nil
}

// GenerateEmbeddings embeds many texts, batching requests.
func (e *Embedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	var allEmbeddings [][]float32

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch := texts[i:end]

		embeddings, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		allEmbeddings = append(allEmbeddings, embeddings...)
	}

	return allEmbeddings, nil
}

// embedBatchWithRetry generates embeddings for a single batch with retry logic.
// Rate limits (429) and 5xx responses are retried; everything else fails immediately.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func() error {
		resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model:      openai.EmbeddingModel(e.model),
			Dimensions: openai.Int(int64(e.dimension)),
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		out := make([][]float32, len(resp.Data))
		for _, data := range resp.Data {
			if int(data.Index) >= len(out) {
				return backoff.Permanent(fmt.Errorf("embedding index %d out of range", data.Index))
			}
			if len(data.Embedding) != e.dimension {
				return backoff.Permanent(fmt.Errorf("%w: got %d, expected %d",
					ErrDimensionMismatch, len(data.Embedding), e.dimension))
			}
			out[data.Index] = toFloat32(data.Embedding)
		}
		embeddings = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return embeddings, nil
}

// isRetryable reports whether the error is a rate limit or server-side failure.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but the index stores float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
