// Package app wires configuration into the running components shared by the
// server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bull/evalissues/internal/config"
	"github.com/bull/evalissues/internal/embedding"
	"github.com/bull/evalissues/internal/events"
	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/markdown"
	"github.com/bull/evalissues/internal/rerank"
	"github.com/bull/evalissues/internal/store"
	"github.com/bull/evalissues/internal/vectorindex"
)

// App holds the wired components. Embedder and Matcher are nil when the
// vector store is disabled.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Index     vectorindex.Index
	Bus       *events.Bus
	Embedder  *embedding.Embedder
	Manager   *issues.Manager
	Matcher   *issues.Matcher
	Processor *issues.Processor
	Flattener *markdown.Flattener
}

// NewLogger builds the process logger at the configured level.
func NewLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// New opens the store, applies the schema and, when enabled, connects the
// vector subsystem. The IssueMerged subscriber is registered on the bus; the
// caller runs the bus.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Index:     vectorindex.Disabled{},
		Bus:       events.NewBus(events.DefaultBuffer, logger),
		Flattener: markdown.NewFlattener(0),
	}

	var reranker *rerank.LLMReranker
	if cfg.VectorStoreEnabled() {
		client, err := embedding.NewClient(cfg.Embedding.APIKey, cfg.Embedding.BaseURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		embedder := embedding.NewEmbedder(client, cfg.Embedding.Model, cfg.Embedding.Dimensions)

		q, err := vectorindex.NewQdrant(ctx, vectorindex.Options{
			URL:               cfg.Qdrant.URL,
			APIKey:            cfg.Qdrant.APIKey,
			Collection:        cfg.Qdrant.Collection,
			Dimension:         embedder.Dimension(),
			IndexingThreshold: cfg.Qdrant.IndexingThreshold,
		}, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := q.EnsureCollection(ctx); err != nil {
			q.Close()
			st.Close()
			return nil, err
		}

		reranker = rerank.NewLLMReranker(client.Client(), cfg.Rerank.Model, cfg.Rerank.MinScore, logger)
		a.Index = q
		a.Embedder = embedder
	} else {
		logger.Info("vector store disabled, every failure opens a new issue")
	}

	a.Manager = issues.NewManager(st, a.Index, a.Bus, logger)
	a.Bus.Subscribe(events.IssueMerged, a.Manager.HandleIssueMerged)

	if a.Embedder != nil {
		a.Matcher = issues.NewMatcher(a.Embedder, a.Index, st, reranker, cfg.Discovery.Limit, logger)
	}
	a.Processor = issues.NewProcessor(st, a.Manager, a.Matcher, a.Flattener, logger)

	return a, nil
}

// Close releases the vector index and the store.
func (a *App) Close() error {
	indexErr := a.Index.Close()
	if err := a.Store.Close(); err != nil {
		return err
	}
	return indexErr
}
