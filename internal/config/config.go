// Package config handles attest configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for attest.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Decision processing settings
	Decision DecisionConfig `yaml:"decision" mapstructure:"decision"`

	// Remediation settings
	Remediation RemediationConfig `yaml:"remediation" mapstructure:"remediation"`

	// Phase defaults applied to campaigns that do not override them
	PhaseDefaults PhaseConfig `yaml:"phase_defaults" mapstructure:"phase_defaults"`

	// Scheduler settings
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`

	// Hooks settings
	Hooks HooksConfig `yaml:"hooks" mapstructure:"hooks"`
}

// GlobalConfig contains global attest settings.
type GlobalConfig struct {
	// DataDir is where attest stores its data (default: ~/.local/share/attest).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/attest).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeoutMs is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DecisionConfig contains decision processor settings.
type DecisionConfig struct {
	// BatchSize is how many items are applied per commit.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// ChunkSize bounds each page of a filter-based selection.
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size"`

	// LockWait is how long a request waits for a campaign lock.
	LockWait time.Duration `yaml:"lock_wait" mapstructure:"lock_wait"`

	// ReassignmentLimit caps reassignments per entity.
	ReassignmentLimit int `yaml:"reassignment_limit" mapstructure:"reassignment_limit"`
}

// RemediationConfig contains remediation manager settings.
type RemediationConfig struct {
	// BatchSize is how many outcomes are recorded per commit.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// DefaultRemediator receives manual remediation tasks when set;
	// otherwise tasks go to the deciding reviewer.
	DefaultRemediator string `yaml:"default_remediator" mapstructure:"default_remediator"`
}

// PhaseConfig contains campaign lifecycle defaults.
type PhaseConfig struct {
	// Rolling advances items independently instead of with the campaign.
	Rolling bool `yaml:"rolling" mapstructure:"rolling"`

	// SkipChallenge removes the challenge window.
	SkipChallenge bool `yaml:"skip_challenge" mapstructure:"skip_challenge"`

	// SkipRemediation removes the remediation window.
	SkipRemediation bool `yaml:"skip_remediation" mapstructure:"skip_remediation"`

	// ChallengeDuration is how long the challenge window stays open.
	ChallengeDuration time.Duration `yaml:"challenge_duration" mapstructure:"challenge_duration"`

	// RemediationDuration is how long the remediation window stays open.
	RemediationDuration time.Duration `yaml:"remediation_duration" mapstructure:"remediation_duration"`
}

// SchedulerConfig contains phase scheduler settings.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler looks for due campaigns.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
}

// HooksConfig contains rule-script settings.
type HooksConfig struct {
	// Dir is the directory holding hook scripts, empty to disable.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "attest"),
			ConfigDir: filepath.Join(homeDir, ".config", "attest"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/attest.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Decision: DecisionConfig{
			BatchSize:         100,
			ChunkSize:         200,
			LockWait:          5 * time.Second,
			ReassignmentLimit: 3,
		},
		Remediation: RemediationConfig{
			BatchSize: 100,
		},
		PhaseDefaults: PhaseConfig{
			ChallengeDuration:   72 * time.Hour,
			RemediationDuration: 14 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Minute,
		},
		Hooks: HooksConfig{},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.Decision.BatchSize < 1 {
		return fmt.Errorf("decision.batch_size must be at least 1")
	}
	if c.Decision.ChunkSize < 1 {
		return fmt.Errorf("decision.chunk_size must be at least 1")
	}
	if c.Decision.LockWait < 0 {
		return fmt.Errorf("decision.lock_wait must not be negative")
	}
	if c.Decision.ReassignmentLimit < 0 {
		return fmt.Errorf("decision.reassignment_limit must not be negative")
	}

	if c.Remediation.BatchSize < 1 {
		return fmt.Errorf("remediation.batch_size must be at least 1")
	}

	if c.Scheduler.TickInterval < 100*time.Millisecond {
		return fmt.Errorf("scheduler.tick_interval must be at least 100ms")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "attest.db")
}
