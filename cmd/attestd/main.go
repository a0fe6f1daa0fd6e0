// Package main is the entry point for the attestd daemon.
// attestd drives campaign lifecycles on a schedule: advancing phases
// whose window has expired, reconciling rolling campaigns and flushing
// pending remediation work.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akvistad/attest/internal/audit"
	"github.com/akvistad/attest/internal/config"
	"github.com/akvistad/attest/internal/db"
	"github.com/akvistad/attest/internal/events"
	"github.com/akvistad/attest/internal/hooks"
	"github.com/akvistad/attest/internal/logging"
	"github.com/akvistad/attest/internal/phase"
	"github.com/akvistad/attest/internal/remediation"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/attest/config.yaml)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("attestd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("attestd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DatabasePath(), db.Options{
		MaxConnections: cfg.Database.MaxConnections,
		BusyTimeoutMs:  cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to migrate database")
		os.Exit(1)
	}

	runner, err := hooks.LoadScripts(cfg.Hooks.Dir)
	if err != nil {
		logger.Error().Err(err).Str("dir", cfg.Hooks.Dir).Msg("failed to load hook scripts")
		os.Exit(1)
	}

	publisher := events.NewInMemoryPublisher(events.WithRepository(db.NewEventRepository(database)))
	defer publisher.Close()

	machine := phase.NewMachine(db.NewSession(database), phase.Config{})
	manager := remediation.NewManager(db.NewSession(database), remediation.Config{
		Hooks:             runner,
		Auditor:           audit.NewEventAuditor(publisher),
		DefaultRemediator: cfg.Remediation.DefaultRemediator,
		BatchSize:         cfg.Remediation.BatchSize,
	})
	scheduler := phase.NewScheduler(db.NewSession(database), machine, manager, cfg.Scheduler.TickInterval)

	logger.Info().
		Dur("tick_interval", cfg.Scheduler.TickInterval).
		Str("database", cfg.DatabasePath()).
		Msg("scheduler configured")

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("attestd exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("attestd stopped")
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
