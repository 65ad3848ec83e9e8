package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flemzord/cronus/internal/config"
	"github.com/flemzord/cronus/internal/control"
)

// loadConfig resolves and validates the configuration for any subcommand.
// An explicit --config path must exist; otherwise standard locations are
// searched and, when nothing is found, built-in defaults apply so the daemon
// works out of the box.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = resolveConfigPath()
	}

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfigPath searches standard locations for a config file.
// Search order: $XDG_CONFIG_HOME/cronus/cronus.yaml →
// ~/.config/cronus/cronus.yaml → ./cronus.yaml. Empty means none found.
func resolveConfigPath() string {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "cronus", "cronus.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "cronus", "cronus.yaml"))
	}

	candidates = append(candidates, "cronus.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// buildLogger constructs the daemon logger from the log section.
func buildLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

// dial builds a control client for the configured socket.
func dial(cmd *cobra.Command) (*control.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Socket), nil
}
