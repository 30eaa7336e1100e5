package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/sandbridge/internal/types"
)

const dockerContainerPrefix = "sandbridge-sandbox-"

// Docker executes inside a running container via the docker CLI. The
// container is provisioned out of band; this provider only attaches to it.
type Docker struct {
	id      types.SandboxID
	workDir string
	user    string
	local   *Local
}

// NewDocker attaches to the container named for the given sandbox id.
// workDir and user apply to every command run inside the container.
func NewDocker(id types.SandboxID, workDir, user string) *Docker {
	if workDir == "" {
		workDir = "/home/user"
	}
	if user == "" {
		user = "user"
	}
	return &Docker{
		id:      id,
		workDir: workDir,
		user:    user,
		local:   &Local{id: id, workDir: "."},
	}
}

func (d *Docker) ID() types.SandboxID { return d.id }

func (d *Docker) WorkDir() string { return d.workDir }

func (d *Docker) containerName() string {
	return dockerContainerPrefix + string(d.id)
}

// dockerCommand wraps a shell command in a docker exec invocation.
func (d *Docker) dockerCommand(command string, env map[string]string, interactive bool) string {
	parts := []string{"docker", "exec"}
	if interactive {
		parts = append(parts, "-i")
	}
	parts = append(parts, "-w", Quote(d.workDir), "-u", Quote(d.user))
	for key, value := range env {
		parts = append(parts, "-e", Quote(key+"="+value))
	}
	parts = append(parts, Quote(d.containerName()), "bash", "-c", Quote(command))
	return strings.Join(parts, " ")
}

// Exec runs a command to completion inside the container.
func (d *Docker) Exec(ctx context.Context, command string) (string, error) {
	output, err := d.local.Exec(ctx, d.dockerCommand(command, nil, false))
	if err != nil {
		return output, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return output, nil
}

// Start launches a long-lived process inside the container with stdin
// attached, so that closing our end delivers EOF to the remote process.
func (d *Docker) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	return d.local.Start(ctx, ProcessSpec{
		Command: d.dockerCommand(spec.Command, spec.Env, true),
	})
}
