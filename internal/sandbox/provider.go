package sandbox

import (
	"context"
	"path/filepath"

	"github.com/user/sandbridge/internal/types"
)

// Provider yields a connectable Sandbox for a handle. Provisioning itself is
// out of band; a provider only attaches to what already exists (docker) or
// materializes a local directory (local).
type Provider interface {
	Sandbox(ctx context.Context, id types.SandboxID) (Sandbox, error)
}

// LocalProvider roots each sandbox in its own directory under a base path.
type LocalProvider struct {
	Root string
}

func (p *LocalProvider) Sandbox(_ context.Context, id types.SandboxID) (Sandbox, error) {
	return NewLocal(id, filepath.Join(p.Root, string(id)))
}

// DockerProvider attaches to pre-provisioned containers.
type DockerProvider struct {
	WorkDir string
	User    string
}

func (p *DockerProvider) Sandbox(_ context.Context, id types.SandboxID) (Sandbox, error) {
	return NewDocker(id, p.WorkDir, p.User), nil
}
