// Package config provides configuration loading for the showtrack offline layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of the offline capture and sync subsystem.
type Config struct {
	// APIBaseURL is the root of the remote REST collaborator.
	APIBaseURL string `yaml:"api_base_url"`

	// DataDir is where the local SQLite store lives.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`

	Scanner ScannerConfig `yaml:"scanner"`
	Sync    SyncConfig    `yaml:"sync"`
}

// ScannerConfig tunes the scan classifier.
type ScannerConfig struct {
	// BurstThreshold is the maximum inter-keystroke gap still treated
	// as one scanner emission. Tuned faster than plausible human typing.
	BurstThreshold time.Duration `yaml:"burst_threshold"`

	// IdleFlush is how long a partial buffer may sit before the
	// janitor discards it.
	IdleFlush time.Duration `yaml:"idle_flush"`
}

// SyncConfig tunes the sync engine and connectivity monitor.
type SyncConfig struct {
	// RetryInterval is the cadence of periodic sync attempts while online.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxAttempts is how many failed dispatches a queue entry survives
	// before it is dead-lettered.
	MaxAttempts int `yaml:"max_attempts"`

	// RequestTimeout bounds each individual remote call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL: "http://localhost:8080",
		DataDir:    "./data",
		LogLevel:   "INFO",
		Scanner: ScannerConfig{
			BurstThreshold: 50 * time.Millisecond,
			IdleFlush:      500 * time.Millisecond,
		},
		Sync: SyncConfig{
			RetryInterval:  30 * time.Second,
			MaxAttempts:    5,
			RequestTimeout: 15 * time.Second,
		},
	}
}

// Load loads configuration from an optional YAML file and applies
// environment variable overrides on top of the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies configuration from environment variables.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("SHOWTRACK_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SHOWTRACK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHOWTRACK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHOWTRACK_SYNC_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.RetryInterval = d
		}
	}
	if v := os.Getenv("SHOWTRACK_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Scanner.BurstThreshold <= 0 {
		return fmt.Errorf("scanner.burst_threshold must be positive")
	}
	if c.Scanner.IdleFlush < c.Scanner.BurstThreshold {
		return fmt.Errorf("scanner.idle_flush must not be shorter than the burst threshold")
	}
	if c.Sync.RetryInterval <= 0 {
		return fmt.Errorf("sync.retry_interval must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	return nil
}
