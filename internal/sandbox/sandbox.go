// Package sandbox abstracts the remote execution environment the agent runs
// in. A Sandbox is a black box that yields a command-execution primitive and
// the ability to start a long-lived process with attached stdio. Providers
// (local, docker) are swapped by constructing a different implementation,
// never by branching inside callers.
package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/user/sandbridge/internal/types"
)

var (
	// ErrUnavailable means the sandbox environment cannot be reached.
	ErrUnavailable = errors.New("sandbox unavailable")
)

// Process is a command running inside a sandbox with attached stdio.
type Process interface {
	// Write sends bytes to the process's standard input.
	Write(data []byte) error
	// CloseInput signals end-of-input without killing the process, allowing
	// it to finish its current work and exit on its own.
	CloseInput() error
	// Stdout is the process's standard output stream.
	Stdout() io.Reader
	// Stderr is the process's standard error stream.
	Stderr() io.Reader
	// Wait blocks until the process exits. A non-zero exit is an error.
	Wait() error
	// Kill forcibly terminates the process.
	Kill() error
}

// ProcessSpec describes a process to start inside a sandbox. Command is a
// single shell command line; the caller is responsible for quoting.
type ProcessSpec struct {
	Command string
	Env     map[string]string
	Dir     string
}

// Sandbox is one isolated execution environment.
type Sandbox interface {
	ID() types.SandboxID
	// Exec runs a command to completion and returns its combined output.
	Exec(ctx context.Context, command string) (string, error)
	// Start launches a long-lived process with attached stdio.
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
	// WorkDir is the agent's working directory inside the sandbox.
	WorkDir() string
}
