package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		require.Equal(t, "badger", cfg.Store.Type)
		require.Equal(t, 20, cfg.Checkpoints.Keep)
	})

	t.Run("explicit file must exist", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorContains(t, err, "failed to read config")
	})

	t.Run("overrides", func(t *testing.T) {
		path := writeFile(t, "workgraph.yaml", `
store:
  type: sqlite
  path: /tmp/workgraph.db
concurrency: 8
default_timeout: 2m
timeouts:
  shell: 30s
retry:
  base_delay: 500ms
  backoff_rate: 3
checkpoints:
  interval: 1m
  keep: 5
health:
  file: health.yaml
  interval: 10s
  components:
    - id: net
      auto_repair: true
      critical_threshold: 30
      repair_kind: shell
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, "sqlite", cfg.Store.Type)
		require.Equal(t, 8, cfg.Concurrency)
		require.Equal(t, 2*time.Minute, cfg.DefaultTimeout)
		require.Equal(t, 30*time.Second, cfg.Timeouts["shell"])
		require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
		require.Equal(t, 3.0, cfg.Retry.BackoffRate)
		require.Equal(t, time.Minute, cfg.Checkpoints.Interval)
		require.Equal(t, 5, cfg.Checkpoints.Keep)
		require.Len(t, cfg.Health.Components, 1)
		require.True(t, cfg.Health.Components[0].AutoRepair)
		require.Equal(t, 30.0, cfg.Health.Components[0].CriticalThreshold)
	})

	t.Run("invalid store type", func(t *testing.T) {
		path := writeFile(t, "workgraph.yaml", "store:\n  type: floppy\n")
		_, err := LoadConfig(path)
		require.ErrorContains(t, err, "invalid config")
	})

	t.Run("postgres requires a dsn", func(t *testing.T) {
		path := writeFile(t, "workgraph.yaml", "store:\n  type: postgres\n")
		_, err := LoadConfig(path)
		require.ErrorContains(t, err, "invalid config")
	})

	t.Run("file store requires a path", func(t *testing.T) {
		path := writeFile(t, "workgraph.yaml", "store:\n  type: file\n  path: \"\"\n")
		_, err := LoadConfig(path)
		require.ErrorContains(t, err, "store path is required")
	})
}

func TestFileHealthSource(t *testing.T) {
	path := writeFile(t, "health.yaml", "net: 20\ndisk: 95.5\n")
	scores, err := fileHealthSource(path).Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"net": 20, "disk": 95.5}, scores)

	_, err = fileHealthSource(filepath.Join(t.TempDir(), "none.yaml")).Health(context.Background())
	require.Error(t, err)
}

func TestOpenStoreMemory(t *testing.T) {
	store, closer, err := openStore(context.Background(), StoreConfig{Type: "memory"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))
	require.NoError(t, closer.Close())

	_, _, err = openStore(context.Background(), StoreConfig{Type: "floppy"}, nil)
	require.Error(t, err)
}
