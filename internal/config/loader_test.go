package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	if cfg.Decision.BatchSize != 100 {
		t.Errorf("expected default batch size 100, got %d", cfg.Decision.BatchSize)
	}
	if cfg.Scheduler.TickInterval != time.Minute {
		t.Errorf("expected default tick interval 1m, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.DatabasePath() == "" {
		t.Error("expected a non-empty database path")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /tmp/attest-test.db
decision:
  batch_size: 25
  lock_wait: 2s
phase_defaults:
  challenge_duration: 24h
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/attest-test.db" {
		t.Errorf("expected database path from file, got %q", cfg.Database.Path)
	}
	if cfg.Decision.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.Decision.BatchSize)
	}
	if cfg.Decision.LockWait != 2*time.Second {
		t.Errorf("expected lock wait 2s, got %v", cfg.Decision.LockWait)
	}
	if cfg.PhaseDefaults.ChallengeDuration != 24*time.Hour {
		t.Errorf("expected challenge duration 24h, got %v", cfg.PhaseDefaults.ChallengeDuration)
	}
	// Untouched sections keep their defaults.
	if cfg.Decision.ChunkSize != 200 {
		t.Errorf("expected default chunk size 200, got %d", cfg.Decision.ChunkSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: info
`)
	t.Setenv("ATTEST_LOGGING_LEVEL", "debug")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env var to override file, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfigFile(t, `
decision:
  batch_size: 0
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error for zero batch size")
	}

	path = writeConfigFile(t, `
logging:
  level: loud
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got := expandTilde("~/data/attest.db")
	want := filepath.Join(home, "data", "attest.db")
	if got != want {
		t.Errorf("expandTilde = %q, want %q", got, want)
	}
	if expandTilde("/abs/path") != "/abs/path" {
		t.Error("absolute paths must pass through unchanged")
	}
}
