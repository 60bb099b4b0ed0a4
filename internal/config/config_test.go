package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5, cfg.Scheduler.Workers)
	require.Equal(t, 3, cfg.Scheduler.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.Scheduler.BackoffBase())
	require.Equal(t, 30*time.Minute, cfg.Scheduler.BackoffCap())
	require.Equal(t, 5*time.Second, cfg.Scheduler.DomainInterval())
	require.True(t, cfg.Browser.Enabled)
	require.Equal(t, 30*time.Second, cfg.Browser.FormTimeout())
	require.Equal(t, 3, cfg.Resolver.MinTrustedUsage)
	require.False(t, cfg.Resolver.StaticFetch)
	require.False(t, cfg.Ingest.BoardFetchEnabled)
	require.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  port: 9090
scheduler:
  workers: 2
  domain_interval_seconds: 1.5
storage:
  backend: local
  local_dir: /tmp/blobs
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 2, cfg.Scheduler.Workers)
	require.Equal(t, 1500*time.Millisecond, cfg.Scheduler.DomainInterval())
	require.Equal(t, "local", cfg.Storage.Backend)
	require.Equal(t, 3, cfg.Scheduler.MaxRetries, "untouched keys keep defaults")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.ErrorContains(t, cfg.Validate(), "server.port")

	cfg = base()
	cfg.Scheduler.Workers = 0
	require.ErrorContains(t, cfg.Validate(), "scheduler.workers")

	cfg = base()
	cfg.Browser.MaxParallel = 0
	require.ErrorContains(t, cfg.Validate(), "browser.max_parallel")

	cfg = base()
	cfg.Storage.Backend = "s3"
	require.ErrorContains(t, cfg.Validate(), "storage.backend")

	cfg = base()
	cfg.Storage.Backend = "gcs"
	require.ErrorContains(t, cfg.Validate(), "gcs_bucket")

	cfg = base()
	cfg.Storage.Backend = "local"
	require.ErrorContains(t, cfg.Validate(), "local_dir")

	cfg = base()
	cfg.Auth.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "api_key")
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("APPLY_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}
