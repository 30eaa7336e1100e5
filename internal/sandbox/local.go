package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/user/sandbridge/internal/types"
)

// Local runs processes directly on the host, rooted at a working directory.
// It backs development and tests; the docker provider has the same contract.
type Local struct {
	id      types.SandboxID
	workDir string
}

// NewLocal creates a host-backed sandbox rooted at workDir, creating the
// directory if needed.
func NewLocal(id types.SandboxID, workDir string) (*Local, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox work dir: %w", err)
	}
	return &Local{id: id, workDir: workDir}, nil
}

func (l *Local) ID() types.SandboxID { return l.id }

func (l *Local) WorkDir() string { return l.workDir }

// Exec runs a shell command to completion in the sandbox work dir.
func (l *Local) Exec(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = l.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("command failed: %w\nOutput: %s", err, string(output))
	}
	return string(output), nil
}

// Start launches a long-lived shell command with attached pipes.
func (l *Local) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", spec.Command)
	cmd.Dir = l.workDir
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for key, value := range spec.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	return &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (p *localProcess) Write(data []byte) error {
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (p *localProcess) CloseInput() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.stdin.Close()
	})
	return p.closeErr
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
