package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Set up Viper
	l.setupViper(cfg)

	// Load config file
	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply env var overrides (Viper's Unmarshal doesn't properly merge
	// env vars for nested structs)
	l.applyEnvOverrides(cfg)

	// Expand ~ in paths
	expandPaths(cfg)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.Hooks.Dir = expandTilde(cfg.Hooks.Dir)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "attest"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "attest"))
	}

	// Current directory
	v.AddConfigPath(".")

	// Environment variables - ATTEST_ prefix
	v.SetEnvPrefix("ATTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults from config struct
	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	// AutomaticEnv for any keys not explicitly bound
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Database
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Decision
	v.SetDefault("decision.batch_size", cfg.Decision.BatchSize)
	v.SetDefault("decision.chunk_size", cfg.Decision.ChunkSize)
	v.SetDefault("decision.lock_wait", cfg.Decision.LockWait)
	v.SetDefault("decision.reassignment_limit", cfg.Decision.ReassignmentLimit)

	// Remediation
	v.SetDefault("remediation.batch_size", cfg.Remediation.BatchSize)
	v.SetDefault("remediation.default_remediator", cfg.Remediation.DefaultRemediator)

	// Phase defaults
	v.SetDefault("phase_defaults.rolling", cfg.PhaseDefaults.Rolling)
	v.SetDefault("phase_defaults.skip_challenge", cfg.PhaseDefaults.SkipChallenge)
	v.SetDefault("phase_defaults.skip_remediation", cfg.PhaseDefaults.SkipRemediation)
	v.SetDefault("phase_defaults.challenge_duration", cfg.PhaseDefaults.ChallengeDuration)
	v.SetDefault("phase_defaults.remediation_duration", cfg.PhaseDefaults.RemediationDuration)

	// Scheduler
	v.SetDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval)

	// Hooks
	v.SetDefault("hooks.dir", cfg.Hooks.Dir)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// applyEnvOverrides manually applies env var overrides to the config
// struct. This is needed because Viper's Unmarshal doesn't properly
// merge env vars for nested struct fields when a config file is present.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	if val, ok := os.LookupEnv("ATTEST_DATABASE_PATH"); ok && val != "" {
		cfg.Database.Path = val
	}
	if _, ok := os.LookupEnv("ATTEST_LOGGING_LEVEL"); ok {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if _, ok := os.LookupEnv("ATTEST_LOGGING_FORMAT"); ok {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if val, ok := os.LookupEnv("ATTEST_LOGGING_FILE"); ok && val != "" {
		cfg.Logging.File = val
	}
	if val, ok := os.LookupEnv("ATTEST_HOOKS_DIR"); ok && val != "" {
		cfg.Hooks.Dir = val
	}
	if _, ok := os.LookupEnv("ATTEST_SCHEDULER_TICK_INTERVAL"); ok {
		cfg.Scheduler.TickInterval = v.GetDuration("scheduler.tick_interval")
	}
	if _, ok := os.LookupEnv("ATTEST_REMEDIATION_DEFAULT_REMEDIATOR"); ok {
		cfg.Remediation.DefaultRemediator = v.GetString("remediation.default_remediator")
	}
}

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal has issues with env vars on nested structs unless
// explicitly bound.
func bindEnvVars(v *viper.Viper) {
	envBindings := []string{
		// Global
		"global.data_dir",
		"global.config_dir",
		// Database
		"database.path",
		"database.max_connections",
		"database.busy_timeout_ms",
		// Logging
		"logging.level",
		"logging.format",
		"logging.file",
		"logging.enable_caller",
		// Decision
		"decision.batch_size",
		"decision.chunk_size",
		"decision.lock_wait",
		"decision.reassignment_limit",
		// Remediation
		"remediation.batch_size",
		"remediation.default_remediator",
		// Phase defaults
		"phase_defaults.rolling",
		"phase_defaults.skip_challenge",
		"phase_defaults.skip_remediation",
		"phase_defaults.challenge_duration",
		"phase_defaults.remediation_duration",
		// Scheduler
		"scheduler.tick_interval",
		// Hooks
		"hooks.dir",
	}

	for _, key := range envBindings {
		// Convert key to env var format: database.path -> ATTEST_DATABASE_PATH
		envVar := "ATTEST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}
