package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/sandbridge/internal/checkpoint"
	"github.com/user/sandbridge/internal/httpapi"
	"github.com/user/sandbridge/internal/notify"
	"github.com/user/sandbridge/internal/orchestrator"
	"github.com/user/sandbridge/internal/permission"
	"github.com/user/sandbridge/internal/sandbox"
	"github.com/user/sandbridge/internal/state"
	"github.com/user/sandbridge/internal/stream"
	"github.com/user/sandbridge/internal/tokens"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbridge daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "sandbridge.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	sessions := state.NewSessionStore(cfg.DataDir)
	publisher := stream.NewPublisher(cfg.DataDir)
	coordinator := permission.NewCoordinator(publisher, cfg.ApprovalTimeout())
	checkpoints := checkpoint.NewManager(cfg.Checkpoint.MaxRetained)

	var provider sandbox.Provider
	switch cfg.Sandbox.Provider {
	case "docker":
		provider = &sandbox.DockerProvider{
			WorkDir: cfg.Sandbox.WorkDir,
			User:    cfg.Sandbox.User,
		}
	case "local", "":
		provider = &sandbox.LocalProvider{Root: cfg.Sandbox.WorkDir}
	default:
		return fmt.Errorf("unknown sandbox provider: %s", cfg.Sandbox.Provider)
	}

	estimator, err := tokens.NewEstimator()
	if err != nil {
		slog.Warn("token estimator unavailable", "error", err)
		estimator = nil
	}

	orch := orchestrator.New(sessions, publisher, coordinator, checkpoints, provider, estimator, orchestrator.Config{
		AgentBinary:       cfg.Agent.Binary,
		DefaultModel:      cfg.Agent.Model,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		PermissionAPIURL:  cfg.Permission.APIBaseURL,
		PermissionCommand: cfg.Permission.ServerCommand,
		MaxConcurrent:     int64(cfg.MaxConcurrent),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telegram approval notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		notifier, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, coordinator)
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		coordinator.SetNotifier(notifier)
		go notifier.Start(ctx)
		slog.Info("telegram approval notifier started")
	} else {
		slog.Warn("telegram approval notifier disabled (no token or chat id)")
	}

	api := httpapi.NewServer(orch)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	slog.Info("sandbridge started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"sandbox_provider", cfg.Sandbox.Provider,
		"agent_binary", cfg.Agent.Binary,
		"agent_model", cfg.Agent.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
