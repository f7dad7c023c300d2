package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/crmsync/internal/config"
	"github.com/hyperengineering/crmsync/internal/types"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "crmsync",
	Short:         "crmsync - incremental CRM to SQL sync",
	Long:          "Pulls recently changed CRM activities and opportunities and merges them into a relational table.",
	Version:       Version,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides CRMSYNC_CONFIG_PATH)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(schemaCmd)
}

// loadConfig loads configuration from --config, else the environment
// default, and installs the configured logger writing to w.
func loadConfig(w io.Writer) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	slog.SetDefault(newLogger(w, cfg.Log))
	slog.Debug("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveEntities parses the entity arguments. No arguments selects every
// enabled entity.
func resolveEntities(cfg *config.Config, args []string) ([]types.Entity, error) {
	if len(args) == 0 {
		entities := cfg.EnabledEntities()
		if len(entities) == 0 {
			return nil, fmt.Errorf("no entities enabled")
		}
		return entities, nil
	}

	entities := make([]types.Entity, 0, len(args))
	seen := make(map[types.Entity]bool, len(args))
	for _, arg := range args {
		e, err := types.ParseEntity(arg)
		if err != nil {
			return nil, err
		}
		if !seen[e] {
			seen[e] = true
			entities = append(entities, e)
		}
	}
	return entities, nil
}
