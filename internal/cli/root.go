// Package cli provides the attest command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/akvistad/attest/internal/config"
	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/logging"
)

var (
	rootConfigFile string
	rootJSONOutput bool
	rootQuiet      bool

	loadedConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "attest",
	Short: "Access certification decision engine",
	Long: `attest manages access review campaigns: applying reviewer
decisions, calculating remediation plans and driving campaigns through
their lifecycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logCfg := logging.Config{
			Level:        cfg.Logging.Level,
			Format:       cfg.Logging.Format,
			EnableCaller: cfg.Logging.EnableCaller,
		}
		if cfg.Logging.File != "" {
			f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			logCfg.Output = f
		}
		logging.Init(logCfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&rootJSONOutput, "json", false, "emit JSON output")
	rootCmd.PersistentFlags().BoolVarP(&rootQuiet, "quiet", "q", false, "suppress non-essential output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	if loadedConfig != nil {
		return loadedConfig, nil
	}
	loader := config.NewLoader()
	if rootConfigFile != "" {
		loader.SetConfigFile(rootConfigFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	loadedConfig = cfg
	return cfg, nil
}

func openDatabase(ctx context.Context) (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.DatabasePath(), db.Options{
		MaxConnections: cfg.Database.MaxConnections,
		BusyTimeoutMs:  cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// IsJSONOutput reports whether --json was requested.
func IsJSONOutput() bool { return rootJSONOutput }

// IsQuiet reports whether --quiet was requested.
func IsQuiet() bool { return rootQuiet }

// WriteOutput writes value as indented JSON.
func WriteOutput(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printf(format string, args ...any) {
	if rootQuiet {
		return
	}
	fmt.Fprintf(os.Stdout, format, args...)
}
