// Package httpapi exposes issue ingestion and lifecycle operations over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/store"
)

// Config holds router dependencies.
type Config struct {
	Store     *store.Store
	Manager   *issues.Manager
	Processor *issues.Processor
	// Checks are run by /health, keyed by component name.
	Checks map[string]HealthChecker
	// MCP is mounted at /mcp when set.
	MCP    http.Handler
	Logger *slog.Logger
}

type api struct {
	store     *store.Store
	manager   *issues.Manager
	processor *issues.Processor
	logger    *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		store:     cfg.Store,
		manager:   cfg.Manager,
		processor: cfg.Processor,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", NewHealthHandler(cfg.Checks))
	if cfg.MCP != nil {
		r.Handle("/mcp", cfg.MCP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/failures", a.handleFailure)

		r.Route("/issues/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetIssue)
			r.Delete("/", a.handleDeleteIssue)
			r.Post("/merge", a.handleMerge)
			r.Post("/resolve", a.handleSetFlag(a.manager.Resolve))
			r.Post("/unresolve", a.handleSetFlag(a.manager.Unresolve))
			r.Post("/ignore", a.handleSetFlag(a.manager.Ignore))
			r.Post("/unignore", a.handleSetFlag(a.manager.Unignore))
			r.Post("/escalation", a.handleRefreshEscalation)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
