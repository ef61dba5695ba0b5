package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, content string, gotPrompt *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if gotPrompt != nil && len(req.Messages) > 0 {
			*gotPrompt = req.Messages[len(req.Messages)-1].Content
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func newTestReranker(t *testing.T, srv *httptest.Server) *LLMReranker {
	t.Helper()
	client := openai.NewClient(
		option.WithAPIKey("sk-test"),
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithMaxRetries(0),
	)
	return NewLLMReranker(&client, "", 0, nil)
}

var candidates = []Candidate{
	{ID: "a", Title: "Hallucinated citation", Description: "cites a source that does not exist", Score: 0.9},
	{ID: "b", Title: "Wrong language", Description: "answers in French", Score: 0.8},
	{ID: "c", Title: "Missing refusal", Description: "answers a harmful request", Score: 0.7},
}

func TestRerank_OrdersAndFilters(t *testing.T) {
	var prompt string
	srv := chatServer(t, `{"scores":[{"index":0,"score":0.6},{"index":1,"score":0.2},{"index":2,"score":0.95}]}`, &prompt)
	defer srv.Close()

	ranked, err := newTestReranker(t, srv).Rerank(context.Background(), "the answer cites a missing paper", candidates)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "c", ranked[0].ID)
	assert.Equal(t, "a", ranked[1].ID)
	assert.InDelta(t, 0.95, ranked[0].Relevance, 1e-9)

	assert.Contains(t, prompt, "the answer cites a missing paper")
	assert.Contains(t, prompt, "[2] Missing refusal")
}

func TestRerank_NothingAboveThreshold(t *testing.T) {
	srv := chatServer(t, `{"scores":[{"index":0,"score":0.1}]}`, nil)
	defer srv.Close()

	ranked, err := newTestReranker(t, srv).Rerank(context.Background(), "q", candidates)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestRerank_IgnoresBogusIndexes(t *testing.T) {
	srv := chatServer(t, `{"scores":[{"index":7,"score":1},{"index":-1,"score":1},{"index":1,"score":0.9},{"index":1,"score":0.99}]}`, nil)
	defer srv.Close()

	ranked, err := newTestReranker(t, srv).Rerank(context.Background(), "q", candidates)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "b", ranked[0].ID)
	assert.InDelta(t, 0.9, ranked[0].Relevance, 1e-9)
}

func TestRerank_MalformedJSON(t *testing.T) {
	srv := chatServer(t, `not json`, nil)
	defer srv.Close()

	_, err := newTestReranker(t, srv).Rerank(context.Background(), "q", candidates)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRerank_EmptyCandidatesSkipsCall(t *testing.T) {
	r := NewLLMReranker(nil, "", 0, nil)

	ranked, err := r.Rerank(context.Background(), "q", nil)
	assert.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", 10) // 2 bytes each
	got := truncate(long, 5)
	assert.Equal(t, "éé", got)
	assert.Equal(t, "short", truncate("short", 100))
}
