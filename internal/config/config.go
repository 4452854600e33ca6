// Package config loads the YAML configuration shared by the coordinator,
// the worker agent and the client commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the coordinator's default listen port.
const DefaultPort = 11236

// Config represents the complete configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`

	// Secret is the shared secret for worker and client authentication.
	// Empty disables authentication.
	Secret string `yaml:"secret"`
}

// ServerConfig configures the coordinator listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Address clients and workers dial.
	Address string `yaml:"address"`
	// HTTPListen enables the status API when non-empty.
	HTTPListen string `yaml:"http_listen"`
}

// WorkerConfig configures a worker agent.
type WorkerConfig struct {
	Name     string        `yaml:"name"`
	Capacity int           `yaml:"capacity"`
	Parallel int           `yaml:"parallel"`
	Backoff  time.Duration `yaml:"backoff"`
	// MaxLoad pauses starting new jobs while the 1-minute load average is
	// above it. Zero disables the check.
	MaxLoad float64 `yaml:"max_load"`
	// MinFreeMemoryMB pauses starting new jobs while free memory is below it.
	MinFreeMemoryMB uint64 `yaml:"min_free_memory_mb"`
	// MaxOutputBytes caps captured stdout/stderr per stream.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// SchedulerConfig holds the coordinator's scheduling tunables.
type SchedulerConfig struct {
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeoutFactor int           `yaml:"heartbeat_timeout_factor"`
	MaxAttempts            int           `yaml:"max_attempts"`
	StealMinGap            int           `yaml:"steal_min_gap"`
	Retention              time.Duration `yaml:"retention"`
	MaintenanceInterval    time.Duration `yaml:"maintenance_interval"`
}

// StorageConfig configures coordinator persistence. An empty Dir keeps all
// state in memory.
type StorageConfig struct {
	Dir                  string        `yaml:"dir"`
	JournalBufferSize    int           `yaml:"journal_buffer_size"`
	JournalFlushInterval time.Duration `yaml:"journal_flush_interval"`
	SnapshotInterval     time.Duration `yaml:"snapshot_interval"`
	// Archive enables the SQLite archive of removed terminal jobs.
	Archive bool `yaml:"archive"`
}

// MetricsConfig toggles Prometheus metrics on the status API.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  fmt.Sprintf(":%d", DefaultPort),
			Address: fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		},
		Worker: WorkerConfig{
			Capacity:       4,
			Parallel:       2,
			Backoff:        time.Second,
			MaxOutputBytes: 1 << 20,
		},
		Scheduler: SchedulerConfig{
			HeartbeatInterval:      2 * time.Second,
			HeartbeatTimeoutFactor: 3,
			MaxAttempts:            3,
			StealMinGap:            2,
			Retention:              24 * time.Hour,
			MaintenanceInterval:    time.Minute,
		},
		Storage: StorageConfig{
			JournalBufferSize:    64,
			JournalFlushInterval: 100 * time.Millisecond,
			SnapshotInterval:     5 * time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all config values are usable.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"server.listen":      c.Server.Listen,
		"server.address":     c.Server.Address,
		"server.http_listen": c.Server.HTTPListen,
	} {
		if addr == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, addr, err)
		} else if port == "" {
			return fmt.Errorf("invalid %s %q: port cannot be empty", name, addr)
		}
	}

	if c.Worker.Capacity < 1 {
		return fmt.Errorf("worker.capacity must be at least 1, got %d", c.Worker.Capacity)
	}
	if c.Worker.Parallel < 1 {
		return fmt.Errorf("worker.parallel must be at least 1, got %d", c.Worker.Parallel)
	}
	if c.Worker.Backoff <= 0 {
		return fmt.Errorf("worker.backoff must be positive, got %s", c.Worker.Backoff)
	}

	s := c.Scheduler
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("scheduler.heartbeat_interval must be positive, got %s", s.HeartbeatInterval)
	}
	if s.HeartbeatTimeoutFactor < 1 {
		return fmt.Errorf("scheduler.heartbeat_timeout_factor must be at least 1, got %d", s.HeartbeatTimeoutFactor)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1, got %d", s.MaxAttempts)
	}
	if s.StealMinGap < 1 {
		return fmt.Errorf("scheduler.steal_min_gap must be at least 1, got %d", s.StealMinGap)
	}
	if s.Retention < 0 {
		return fmt.Errorf("scheduler.retention cannot be negative, got %s", s.Retention)
	}
	return nil
}
