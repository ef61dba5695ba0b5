package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/evalissues/internal/config"
	"github.com/bull/evalissues/internal/issues"
	"github.com/bull/evalissues/internal/vectorindex"
)

func TestNew_VectorStoreDisabled(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			URL:    "file:" + filepath.Join(t.TempDir(), "issues.db") + "?_time_format=sqlite",
		},
	}

	a, err := New(context.Background(), cfg, NewLogger(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.IsType(t, vectorindex.Disabled{}, a.Index)
	assert.Nil(t, a.Matcher)
	assert.Nil(t, a.Embedder)
	require.NotNil(t, a.Processor)

	out, err := a.Processor.ProcessFailure(context.Background(), issues.FailureInput{
		WorkspaceID:    1,
		ProjectID:      2,
		DocumentUUID:   "doc-1",
		EvaluationUUID: "eval-1",
		Reason:         "Wrong currency.",
	})
	require.NoError(t, err)
	assert.True(t, out.Created)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "mysql", URL: "x"}}
	_, err := New(context.Background(), cfg, NewLogger(cfg))
	assert.Error(t, err)
}
