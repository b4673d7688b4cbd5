package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 100, cfg.Crawl.DefaultMaxPages)
	require.Equal(t, 0.5, cfg.Decision.RelevanceThreshold)
	require.Equal(t, "keyword", cfg.Oracle.Provider)
	require.Equal(t, "memory", cfg.Queue.Provider)
	require.Equal(t, "none", cfg.Storage.Provider)
	require.True(t, cfg.Logging.Development)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
crawl:
  default_max_pages: 50
oracle:
  provider: claude
  api_key: test-key
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 50, cfg.Crawl.DefaultMaxPages)
	require.Equal(t, "claude", cfg.Oracle.Provider)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	base := func(t *testing.T) Config {
		t.Helper()
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("auth without key", func(t *testing.T) {
		cfg := base(t)
		cfg.Auth.Enabled = true
		require.Error(t, cfg.Validate())
	})

	t.Run("claude without api key", func(t *testing.T) {
		cfg := base(t)
		cfg.Oracle.Provider = "claude"
		require.Error(t, cfg.Validate())
	})

	t.Run("gcs without bucket", func(t *testing.T) {
		cfg := base(t)
		cfg.Storage.Provider = "gcs"
		require.Error(t, cfg.Validate())
	})

	t.Run("pubsub without topic", func(t *testing.T) {
		cfg := base(t)
		cfg.Queue.Provider = "pubsub"
		cfg.Queue.ProjectID = "proj"
		require.Error(t, cfg.Validate())
	})

	t.Run("deep threshold below relevance threshold", func(t *testing.T) {
		cfg := base(t)
		cfg.Decision.DeepThreshold = 0.3
		require.Error(t, cfg.Validate())
	})

	t.Run("persistence without dsn", func(t *testing.T) {
		cfg := base(t)
		cfg.Persistence.Enabled = true
		require.Error(t, cfg.Validate())
	})
}
