package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stealq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Scheduler.HeartbeatTimeoutFactor)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 2, cfg.Scheduler.StealMinGap)
	assert.Equal(t, time.Second, cfg.Worker.Backoff)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, ":11236", cfg.Server.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
secret: hunter2
server:
  listen: "0.0.0.0:9000"
  http_listen: "127.0.0.1:9001"
worker:
  name: build-box
  capacity: 8
scheduler:
  heartbeat_interval: 500ms
  retention: 1h
storage:
  dir: /var/lib/stealq
  archive: true
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Secret)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "build-box", cfg.Worker.Name)
	assert.Equal(t, 8, cfg.Worker.Capacity)
	assert.Equal(t, 2, cfg.Worker.Parallel, "unset fields keep defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.Retention)
	assert.True(t, cfg.Storage.Archive)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server: [unclosed"},
		{"bad listen", "server:\n  listen: nohostport\n"},
		{"zero capacity", "worker:\n  capacity: 0\n"},
		{"zero attempts", "scheduler:\n  max_attempts: 0\n"},
		{"zero steal gap", "scheduler:\n  steal_min_gap: 0\n"},
		{"negative heartbeat", "scheduler:\n  heartbeat_interval: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
