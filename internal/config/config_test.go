// Package config tests for configuration loading.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefault verifies the built-in configuration is valid.
func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scanner.BurstThreshold != 50*time.Millisecond {
		t.Errorf("BurstThreshold = %v, want 50ms", cfg.Scanner.BurstThreshold)
	}
	if cfg.Sync.RetryInterval != 30*time.Second {
		t.Errorf("RetryInterval = %v, want 30s", cfg.Sync.RetryInterval)
	}
}

// TestLoad_file verifies YAML values override defaults.
func TestLoad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api_base_url: https://api.example.com
data_dir: /tmp/showtrack
sync:
  retry_interval: 45s
  max_attempts: 3
  request_timeout: 15s
scanner:
  burst_threshold: 40ms
  idle_flush: 600ms
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://api.example.com" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.Sync.RetryInterval != 45*time.Second {
		t.Errorf("RetryInterval = %v, want 45s", cfg.Sync.RetryInterval)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	if cfg.Scanner.BurstThreshold != 40*time.Millisecond {
		t.Errorf("BurstThreshold = %v, want 40ms", cfg.Scanner.BurstThreshold)
	}
}

// TestLoad_envOverrides verifies environment variables win over the file.
func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("SHOWTRACK_API_BASE_URL", "https://override.example.com")
	t.Setenv("SHOWTRACK_SYNC_MAX_ATTEMPTS", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://override.example.com" {
		t.Errorf("APIBaseURL = %q, want env override", cfg.APIBaseURL)
	}
	if cfg.Sync.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", cfg.Sync.MaxAttempts)
	}
}

// TestLoad_missingFile verifies a bad path is surfaced.
func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

// TestValidate verifies rejection of unusable values.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api url", func(c *Config) { c.APIBaseURL = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero burst threshold", func(c *Config) { c.Scanner.BurstThreshold = 0 }},
		{"idle flush below threshold", func(c *Config) { c.Scanner.IdleFlush = time.Millisecond }},
		{"zero retry interval", func(c *Config) { c.Sync.RetryInterval = 0 }},
		{"zero max attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
