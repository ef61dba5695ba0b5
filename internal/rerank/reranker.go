// Package rerank orders issue candidates by how well they explain a failure.
package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// DefaultModel is a small chat model; reranking a short list does not
	// need a large one.
	DefaultModel = "gpt-4o-mini"

	// DefaultMinScore drops candidates the model is not at least mildly
	// confident about.
	DefaultMinScore = 0.5

	// DefaultMaxChars caps the query and each candidate description.
	DefaultMaxChars = 2000
)

// ErrMalformedResponse is returned when the model answers with JSON that
// does not follow the requested shape.
var ErrMalformedResponse = errors.New("malformed rerank response")

// Candidate is an issue shortlisted by hybrid search.
type Candidate struct {
	ID          string // issue uuid
	Title       string
	Description string
	Score       float64 // hybrid search score
}

// Ranked is a candidate with the relevance assigned by the reranker.
type Ranked struct {
	Candidate
	Relevance float64
}

// Reranker orders candidates by relevance to query. Candidates below the
// reranker's threshold are omitted, so an empty result means no match.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Ranked, error)
}

// LLMReranker scores candidates with a chat model in JSON mode.
type LLMReranker struct {
	client   *openai.Client
	model    string
	minScore float64
	maxChars int
	logger   *slog.Logger
}

// NewLLMReranker creates a reranker. Zero values select the defaults.
func NewLLMReranker(client *openai.Client, model string, minScore float64, logger *slog.Logger) *LLMReranker {
	if model == "" {
		model = DefaultModel
	}
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReranker{
		client:   client,
		model:    model,
		minScore: minScore,
		maxChars: DefaultMaxChars,
		logger:   logger,
	}
}

type scoreResponse struct {
	Scores []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"scores"`
}

// Rerank asks the model to score every candidate between 0 and 1 and returns
// those at or above the minimum score, most relevant first.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	prompt := r.buildPrompt(query, candidates)

	var content string
	operation := func() error {
		resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessage(prompt),
			},
			Model: openai.ChatModel(r.model),
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openai.ResponseFormatJSONObjectParam{
					Type: "json_object",
				},
			},
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%w: no choices", ErrMalformedResponse))
		}
		content = resp.Choices[0].Message.Content
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("rerank completion failed: %w", err)
	}

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return r.rank(candidates, parsed), nil
}

// rank applies the threshold and orders by relevance, then by search score.
// Indexes outside the candidate list and duplicate indexes are ignored.
func (r *LLMReranker) rank(candidates []Candidate, parsed scoreResponse) []Ranked {
	seen := make(map[int]bool, len(parsed.Scores))
	var ranked []Ranked
	for _, s := range parsed.Scores {
		if s.Index < 0 || s.Index >= len(candidates) || seen[s.Index] {
			r.logger.Debug("ignoring rerank score", "index", s.Index)
			continue
		}
		seen[s.Index] = true
		if s.Score < r.minScore {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: candidates[s.Index], Relevance: s.Score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Relevance != ranked[j].Relevance {
			return ranked[i].Relevance > ranked[j].Relevance
		}
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

const systemPrompt = `You match failing LLM evaluation results to known issues.
Score each candidate issue from 0 to 1 by how likely the failure is another occurrence of that issue.
1 means the same root cause, 0 means unrelated.
Respond in JSON format: {"scores": [{"index": 0, "score": 0.9}]}`

func (r *LLMReranker) buildPrompt(query string, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("Failure:\n")
	sb.WriteString(truncate(query, r.maxChars))
	sb.WriteString("\n\nCandidate issues:\n")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s\n", i, c.Title, truncate(c.Description, r.maxChars))
	}
	return sb.String()
}

func truncate(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
