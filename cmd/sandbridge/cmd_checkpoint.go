package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/sandbridge/internal/checkpoint"
	"github.com/user/sandbridge/internal/config"
	"github.com/user/sandbridge/internal/sandbox"
	"github.com/user/sandbridge/internal/state"
	"github.com/user/sandbridge/internal/types"
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointListCmd, checkpointRestoreCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and restore sandbox checkpoints",
}

func sandboxFor(cfg *config.Config, sessionID string) (sandbox.Sandbox, error) {
	sessions := state.NewSessionStore(cfg.DataDir)
	session, err := sessions.Get(context.Background(), types.SessionID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var provider sandbox.Provider
	switch cfg.Sandbox.Provider {
	case "docker":
		provider = &sandbox.DockerProvider{WorkDir: cfg.Sandbox.WorkDir, User: cfg.Sandbox.User}
	default:
		provider = &sandbox.LocalProvider{Root: cfg.Sandbox.WorkDir}
	}
	return provider.Sandbox(context.Background(), session.SandboxID)
}

var checkpointListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List checkpoints for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		sb, err := sandboxFor(cfg, args[0])
		if err != nil {
			return err
		}

		manager := checkpoint.NewManager(cfg.Checkpoint.MaxRetained)
		list, err := manager.List(context.Background(), sb)
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No checkpoints found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED")
		for _, cp := range list {
			fmt.Fprintf(w, "%s\t%s\n", cp.ID, cp.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <session-id> <checkpoint-id>",
	Short: "Restore a session's sandbox to a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		sb, err := sandboxFor(cfg, args[0])
		if err != nil {
			return err
		}

		manager := checkpoint.NewManager(cfg.Checkpoint.MaxRetained)
		if err := manager.Restore(context.Background(), sb, types.CheckpointID(args[1])); err != nil {
			return fmt.Errorf("restore checkpoint: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Restored checkpoint %s.\n", args[1])
		return nil
	},
}
