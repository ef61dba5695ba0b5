package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evalissues/internal/app"
	"github.com/bull/evalissues/internal/config"
	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/store"
)

// writeConfig points the CLI at a fresh sqlite database with the vector
// store disabled.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	t.Setenv("QDRANT_URL", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  driver: sqlite\n  url: file:" + filepath.Join(dir, "issues.db") + "?_time_format=sqlite\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return path, cfg
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	configFile = ""
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestMigrate(t *testing.T) {
	path, _ := writeConfig(t)
	require.NoError(t, execute(t, "--config", path, "migrate"))
	require.NoError(t, execute(t, "--config", path, "migrate"))
}

func TestIndexEnsure_RequiresQdrant(t *testing.T) {
	path, _ := writeConfig(t)
	assert.Error(t, execute(t, "--config", path, "index", "ensure"))
}

func TestIssueMergeAndDelete(t *testing.T) {
	path, cfg := writeConfig(t)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, app.NewLogger(cfg))
	require.NoError(t, err)
	var ids []int64
	for _, reason := range []string{"Wrong currency.", "Currency mismatch."} {
		out, err := a.Processor.ProcessFailure(ctx, issues.FailureInput{
			WorkspaceID: 1, ProjectID: 2, DocumentUUID: "doc-1",
			EvaluationUUID: "eval-1", Reason: reason,
		})
		require.NoError(t, err)
		ids = append(ids, out.Issue.ID)
	}
	require.NoError(t, a.Close())

	require.NoError(t, execute(t, "--config", path, "escalation", "refresh", "--workspace", "1", "--project", "2", "--document", "doc-1"))
	require.NoError(t, execute(t, "--config", path, "issue", "merge", fmt.Sprint(ids[0]), fmt.Sprint(ids[1])))
	require.NoError(t, execute(t, "--config", path, "issue", "delete", fmt.Sprint(ids[0])))
	assert.Error(t, execute(t, "--config", path, "issue", "delete", fmt.Sprint(ids[0])), "already gone")
	assert.Error(t, execute(t, "--config", path, "issue", "delete", "abc"))

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL, nil)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.GetIssue(ctx, ids[0])
	assert.ErrorIs(t, err, store.ErrNotFound)
	merged, err := st.GetIssue(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, merged.IsMerged())
}
