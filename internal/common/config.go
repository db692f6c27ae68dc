// Package common provides shared utilities for the queue worker: config,
// logging, versioning, and startup/shutdown banners.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for a queue worker process.
type Config struct {
	Environment string       `toml:"environment"`
	Queue       QueueConfig  `toml:"queue"`
	Worker      WorkerConfig `toml:"worker"`
	Retry       RetryConfig  `toml:"retry"`
	Backup      BackupConfig `toml:"backup"`
	Server      ServerConfig `toml:"server"`
	Logging     LoggingConfig `toml:"logging"`
}

// QueueConfig controls the persistent store itself.
type QueueConfig struct {
	DBPath                string `toml:"db_path"`
	StaleThresholdSeconds  int    `toml:"stale_threshold_seconds"`
	ActiveThresholdSeconds int    `toml:"active_threshold_seconds"`
	MonitorIntervalSeconds int    `toml:"monitor_interval_seconds"`
}

// WorkerConfig controls a single worker process's claim loop.
type WorkerConfig struct {
	WorkerID            string   `toml:"worker_id"` // empty means auto-generate
	TaskTypes           []string `toml:"task_types"`
	MaxConcurrentTasks  int      `toml:"max_concurrent_tasks"`
	PollIntervalSeconds float64  `toml:"poll_interval_seconds"`
	LeaseDurationSeconds float64 `toml:"lease_duration_seconds"`
	HeartbeatIntervalSeconds float64 `toml:"heartbeat_interval_seconds"`
	MaxAttempts         int      `toml:"max_attempts"`
	SchedulingStrategy  string   `toml:"scheduling_strategy"`
	MaxConsecutiveFails int      `toml:"max_consecutive_fails"`
}

// RetryConfig mirrors queue.RetryConfig's shape for TOML decoding;
// queue.RetryConfigFromCommon converts it to the queue package's type.
type RetryConfig struct {
	InitialDelaySeconds float64 `toml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `toml:"max_delay_seconds"`
	Multiplier          float64 `toml:"multiplier"`
	JitterFactor        float64 `toml:"jitter_factor"`
}

// BackupConfig controls the scheduled online-backup sweep.
type BackupConfig struct {
	Dir              string `toml:"dir"`
	IntervalSeconds  int    `toml:"interval_seconds"` // 0 disables scheduled backups
	KeepMost         int    `toml:"keep_most"`
}

// ServerConfig holds the optional HTTP server configuration used to expose
// the event WebSocket and health/metrics endpoints.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with the defaults documented alongside
// the queue package's own per-component defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Queue: QueueConfig{
			DBPath:                 "data/queue.db",
			StaleThresholdSeconds:  120,
			ActiveThresholdSeconds: 60,
			MonitorIntervalSeconds: 30,
		},
		Worker: WorkerConfig{
			MaxConcurrentTasks:       5,
			PollIntervalSeconds:      1,
			LeaseDurationSeconds:     60,
			HeartbeatIntervalSeconds: 15,
			MaxAttempts:              5,
			SchedulingStrategy:       "fifo",
			MaxConsecutiveFails:      20,
		},
		Retry: RetryConfig{
			InitialDelaySeconds: 1,
			MaxDelaySeconds:     300,
			Multiplier:          2,
			JitterFactor:        0.1,
		},
		Backup: BackupConfig{
			Dir:             "data/backups",
			IntervalSeconds: 0,
			KeepMost:        7,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/queueworker.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Files are merged in order (later files override earlier); a file that
// fails to parse is skipped with a warning logged by the caller rather than
// aborting startup, matching the merge-with-fallback behavior spec'd for
// multi-file config loading.
func LoadConfig(paths ...string) (*Config, []error) {
	config := NewDefaultConfig()
	var warnings []error

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("read config file %s: %w", path, err))
			continue
		}
		if err := toml.Unmarshal(data, config); err != nil {
			warnings = append(warnings, fmt.Errorf("parse config file %s: %w", path, err))
			continue
		}
	}

	applyEnvOverrides(config)
	return config, warnings
}

// applyEnvOverrides applies PRISMQ_-prefixed environment variable overrides.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PRISMQ_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("PRISMQ_DB_PATH"); v != "" {
		config.Queue.DBPath = v
	}
	if v := os.Getenv("PRISMQ_WORKER_ID"); v != "" {
		config.Worker.WorkerID = v
	}
	if v := os.Getenv("PRISMQ_SCHEDULING_STRATEGY"); v != "" {
		config.Worker.SchedulingStrategy = strings.ToLower(v)
	}
	if v := os.Getenv("PRISMQ_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("PRISMQ_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxAttempts = n
		}
	}
	if v := os.Getenv("PRISMQ_POLL_INTERVAL_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Worker.PollIntervalSeconds = f
		}
	}
	if v := os.Getenv("PRISMQ_LEASE_DURATION_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Worker.LeaseDurationSeconds = f
		}
	}
	if v := os.Getenv("PRISMQ_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("PRISMQ_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("PRISMQ_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Server.Port = p
		}
	}
	if v := os.Getenv("PRISMQ_BACKUP_DIR"); v != "" {
		config.Backup.Dir = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidateRequired returns a list of problems with the configuration that
// would prevent the worker from starting safely.
func (c *Config) ValidateRequired() []string {
	var missing []string
	if strings.TrimSpace(c.Queue.DBPath) == "" {
		missing = append(missing, "queue.db_path")
	}
	if c.Worker.MaxConcurrentTasks <= 0 {
		missing = append(missing, "worker.max_concurrent_tasks")
	}
	switch c.Worker.SchedulingStrategy {
	case "fifo", "lifo", "priority", "weighted_random", "":
	default:
		missing = append(missing, "worker.scheduling_strategy")
	}
	return missing
}
