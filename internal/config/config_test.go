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

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "eventsync.db", cfg.Store.Path)
	assert.Equal(t, 5*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 30*time.Minute, cfg.Engine.SequenceTTL)
	assert.Equal(t, uint64(100_000), cfg.Engine.MaxSequences)
	assert.Equal(t, 64, cfg.Engine.MaxCascade)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Schema.Path)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.File)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
  allowed_origins: ["https://app.example.com"]
store:
  path: /var/lib/eventsync/state.db
engine:
  tick_interval: 250ms
  max_cascade: 8
auth:
  jwt_secret: s3cret
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/var/lib/eventsync/state.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.TickInterval)
	assert.Equal(t, 30*time.Minute, cfg.Engine.SequenceTTL, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Engine.MaxCascade)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, path, cfg.File)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_SearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "eventsync.yaml"),
		[]byte("server:\n  addr: :7000\n"), 0o644))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: :9000\n")
	t.Setenv("EVENTSYNC_SERVER_ADDR", ":9100")
	t.Setenv("EVENTSYNC_ENGINE_TICK_INTERVAL", "1s")
	t.Setenv("EVENTSYNC_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero tick", "engine:\n  tick_interval: 0s\n", "tick_interval"},
		{"cascade", "engine:\n  max_cascade: 0\n", "max_cascade"},
		{"format", "log:\n  format: xml\n", "log.format"},
		{"level", "log:\n  level: loud\n", "log.level"},
		{"empty addr", "server:\n  addr: \"\"\n", "server.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
