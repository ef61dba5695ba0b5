// Package main runs the issue service: REST ingestion, MCP tools and the
// event bus that drives vector cleanup.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/bull/evalissues/internal/app"
	"github.com/bull/evalissues/internal/config"
	"github.com/bull/evalissues/internal/httpapi"
	mcpserver "github.com/bull/evalissues/internal/mcp"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcpserver.NewServer(&mcpserver.Config{
		Store:     a.Store,
		Manager:   a.Manager,
		Matcher:   a.Matcher,
		Flattener: a.Flattener,
	})

	checks := map[string]httpapi.HealthChecker{
		"database": httpapi.HealthFunc(a.Store.Ping),
	}
	if cfg.VectorStoreEnabled() {
		checks["vector_store"] = a.Index
	}

	httpServer := &http.Server{
		Addr: "0.0.0.0:" + cfg.Server.Port,
		Handler: httpapi.NewRouter(httpapi.Config{
			Store:     a.Store,
			Manager:   a.Manager,
			Processor: a.Processor,
			Checks:    checks,
			MCP:       mcpserver.NewHTTPHandler(server, &mcpserver.HTTPHandlerOptions{Stateless: true}),
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Bus.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", httpServer.Addr, "server_mode", cfg.Server.ServerMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if !cfg.Server.ServerMode {
		// Stdio mode: MCP over stdin/stdout for a local client. The process
		// exits when the client disconnects.
		g.Go(func() error {
			defer cancel()
			logger.Info("serving MCP over stdio")
			return server.Run(gctx)
		})
	}

	return g.Wait()
}
