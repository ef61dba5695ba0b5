// Package main provides the issuectl CLI for operating the issue store and
// vector index.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bull/evalissues/internal/app"
	"github.com/bull/evalissues/internal/config"
	"github.com/bull/evalissues/internal/indexer"
	"github.com/bull/evalissues/internal/store"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "issuectl",
	Short: "Evaluation issue maintenance tool",
	Long:  "CLI tool for maintaining evaluation issues in the relational store and the vector index",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			configFile = os.Getenv("CONFIG_FILE")
		}
		return nil
	},
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the relational schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Vector index commands",
}

var indexEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the issues collection and its payload indexes if missing",
	Long: `Connects to Qdrant, waits for it to be healthy and creates the issues
collection with its dense and sparse vectors and payload indexes.

Environment variables:
  QDRANT_URL            Qdrant gRPC address (required)
  QDRANT_API_KEY        Qdrant API key (optional)
  EMBEDDING_DIMENSIONS  dense vector size (default: 2048)
  OPENAI_API_KEY        OpenAI API key (required with QDRANT_URL)`,
	Args: cobra.NoArgs,
	RunE: runIndexEnsure,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rewrite the vectors of every issue of a document from the database",
	Long: `Writes the vector record of every live issue of the document from its
stored title, description and centroid, then removes the vectors of merged
issues. Use it to repair issues whose vector write failed.`,
	Args: cobra.NoArgs,
	RunE: runIndexRebuild,
}

var escalationCmd = &cobra.Command{
	Use:   "escalation",
	Short: "Escalation commands",
}

var (
	workspaceID  int64
	projectID    int64
	documentUUID string
)

var escalationRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-run escalation detection for every issue of a document",
	Args:  cobra.NoArgs,
	RunE:  runEscalationRefresh,
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue lifecycle commands",
}

var issueDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an issue, its vector and its histogram",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueDelete,
}

var issueMergeCmd = &cobra.Command{
	Use:   "merge <anchor-id> <merged-id>...",
	Short: "Merge issues into an anchor issue",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runIssueMerge,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (default: $CONFIG_FILE)")

	for _, cmd := range []*cobra.Command{escalationRefreshCmd, indexRebuildCmd} {
		cmd.Flags().Int64Var(&workspaceID, "workspace", 0, "workspace id")
		cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
		cmd.Flags().StringVar(&documentUUID, "document", "", "document uuid")
		_ = cmd.MarkFlagRequired("document")
	}

	indexCmd.AddCommand(indexEnsureCmd, indexRebuildCmd)
	escalationCmd.AddCommand(escalationRefreshCmd)
	issueCmd.AddCommand(issueDeleteCmd, issueMergeCmd)
	rootCmd.AddCommand(migrateCmd, indexCmd, escalationCmd, issueCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	fmt.Printf("Migrating %s database...\n", cfg.Database.Driver)
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, app.NewLogger(cfg))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("Schema up to date")
	return nil
}

func runIndexEnsure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.VectorStoreEnabled() {
		return errors.New("QDRANT_URL is not set")
	}

	fmt.Printf("Connecting to Qdrant at %s...\n", cfg.Qdrant.URL)
	a, err := app.New(cmd.Context(), cfg, app.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Collection %q ready\n", cfg.Qdrant.Collection)
	return nil
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.VectorStoreEnabled() {
		return errors.New("QDRANT_URL is not set")
	}

	return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
		result, err := indexer.NewPipeline(a.Store, a.Manager, a.Embedder, a.Logger).IndexDocument(ctx, workspaceID, projectID, documentUUID)
		if err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}

		fmt.Println("Rebuild complete!")
		fmt.Printf("  Issues: %d/%d\n", result.IndexedIssues, result.TotalIssues-result.RemovedMerged-result.FailedMerged)
		fmt.Printf("  Embedded without centroid: %d\n", result.EmbeddedIssues)
		fmt.Printf("  Merged vectors removed: %d\n", result.RemovedMerged)
		fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))

		if len(result.FailedIssues) > 0 {
			fmt.Println()
			fmt.Println("Failed issues:")
			for _, failed := range result.FailedIssues {
				fmt.Printf("  - %d: %s\n", failed.ID, failed.Reason)
			}
			return fmt.Errorf("%d issues failed", len(result.FailedIssues))
		}
		return nil
	})
}

func runEscalationRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()

	return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
		found, err := a.Store.ListDocumentIssues(ctx, workspaceID, projectID, documentUUID, false)
		if err != nil {
			return fmt.Errorf("failed to list issues: %w", err)
		}

		var escalating, failed int
		for _, issue := range found {
			st, err := a.Manager.RefreshEscalation(ctx, issue)
			if err != nil {
				failed++
				fmt.Printf("  - issue %d: %v\n", issue.ID, err)
				continue
			}
			if st.IsEscalating {
				escalating++
			}
			fmt.Printf("  %d\t%-11s\t%d in 7d\t%s\n", issue.ID, st.State, st.Escalation.CurrentWindowCount, issue.Title)
		}

		fmt.Println()
		fmt.Printf("Refreshed %d issues (%d escalating, %d failed) in %s\n",
			len(found)-failed, escalating, failed, time.Since(start).Round(time.Millisecond))
		if failed > 0 {
			return fmt.Errorf("%d issues failed", failed)
		}
		return nil
	})
}

func runIssueDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
		issue, err := a.Store.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		if err := a.Manager.Delete(ctx, issue); err != nil {
			return fmt.Errorf("failed to delete issue %d: %w", id, err)
		}
		fmt.Printf("Deleted issue %d (%s)\n", issue.ID, issue.Title)
		return nil
	})
}

func runIssueMerge(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
		anchor, err := a.Manager.Merge(ctx, ids[0], ids[1:])
		if err != nil {
			return fmt.Errorf("merge failed: %w", err)
		}
		fmt.Printf("Merged %v into issue %d (%s)\n", ids[1:], anchor.ID, anchor.Title)
		return nil
	})
}

// withApp runs fn with the event bus delivering in the background, so
// post-commit work such as merged vector cleanup completes before exit.
func withApp(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	busCtx, stopBus := context.WithCancel(ctx)
	g := new(errgroup.Group)
	g.Go(func() error { return a.Bus.Run(busCtx) })

	err = fn(ctx, a)
	stopBus()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid issue id %q", raw)
	}
	return id, nil
}
