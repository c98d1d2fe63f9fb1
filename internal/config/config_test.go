package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, defaults(), cfg)
	assert.Equal(t, 10000, cfg.Database.ActivityRetention)
	assert.Equal(t, 30*time.Second, cfg.Targets.StatementTimeout)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
targets:
  host: db.internal
  schemas: [public, app]
  statement_timeout: 5s
scheduler:
  interval: 30s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "db.internal", cfg.Targets.Host)
	assert.Equal(t, []string{"public", "app"}, cfg.Targets.Schemas)
	assert.Equal(t, 5*time.Second, cfg.Targets.StatementTimeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, time.Minute, cfg.Scheduler.Window)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  window: 5m\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestEncryptionKeyFromEnv(t *testing.T) {
	t.Setenv("RLSGUARD_ENCRYPTION_KEY", "s3cret")
	cfg := defaults()
	assert.Equal(t, "s3cret", cfg.EncryptionKey())
}
