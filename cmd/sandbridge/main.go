package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sandbridge/internal/config"
)

var cfgPath = filepath.Join(os.Getenv("HOME"), ".sandbridge", "config.json")

var rootCmd = &cobra.Command{
	Use:   "sandbridge",
	Short: "Bridge between clients and sandboxed coding agent sessions",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "config file path")
}

// loadConfig loads the config or exits. Commands call it after flag parsing
// so --config has taken effect.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
