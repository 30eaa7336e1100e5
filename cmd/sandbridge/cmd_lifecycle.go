package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
}

// runningDaemon locates the daemon through its PID file and confirms it is
// alive with a null signal. Stale PID files (daemon crashed, file left
// behind) report as not running rather than as an I/O error.
func runningDaemon() (*os.Process, int, error) {
	cfg := loadConfig()
	pidPath := filepath.Join(cfg.DataDir, "sandbridge.pid")

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("sandbridge is not running (no PID file at %s)", pidPath)
		}
		return nil, 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, 0, fmt.Errorf("PID file %s is corrupt: %w", pidPath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, 0, fmt.Errorf("sandbridge is not running (stale PID %d)", pid)
	}
	return proc, pid, nil
}

// signalDaemon delivers one signal to the running daemon. SIGTERM asks it to
// shut down; SIGHUP makes it re-exec itself with the current config.
func signalDaemon(sig syscall.Signal, verb string) error {
	proc, pid, err := runningDaemon()
	if err != nil {
		return err
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal daemon (PID %d): %w", pid, err)
	}
	fmt.Fprintf(os.Stdout, "%s sandbridge (PID %d).\n", verb, pid)
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGTERM, "Stopping")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalDaemon(syscall.SIGHUP, "Restarting")
	},
}
