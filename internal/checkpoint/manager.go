// Package checkpoint snapshots sandbox filesystem state after each turn and
// restores it on demand. Snapshots are rsync trees under
// <workdir>/.checkpoints/<id>; each incremental snapshot hard-links unchanged
// files against its parent, so an unchanged file costs one directory entry,
// not a copy, and deletions since the parent are mirrored.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/sandbridge/internal/sandbox"
	"github.com/user/sandbridge/internal/types"
)

// ErrNotFound means the checkpoint id is unknown to this sandbox.
var ErrNotFound = errors.New("checkpoint not found")

const (
	checkpointDirName = ".checkpoints"
	// DefaultMaxCheckpoints bounds the chain length per sandbox.
	DefaultMaxCheckpoints = 20
)

// excludePatterns keeps caches and build output out of snapshots. The
// checkpoint directory itself must always be excluded or snapshots would
// recurse into each other.
var excludePatterns = []string{
	".checkpoints",
	".cache",
	"__pycache__",
	"*.pyc",
	"*.log",
	".DS_Store",
	"node_modules",
	"dist",
	"build",
	".next",
}

// Manager creates and restores checkpoints through a sandbox's
// command-execution primitive. Checkpoint ids are stable directory names,
// referenceable after the creating process has exited.
type Manager struct {
	max int
}

// NewManager creates a Manager retaining at most max checkpoints per sandbox.
// max <= 0 selects DefaultMaxCheckpoints.
func NewManager(max int) *Manager {
	if max <= 0 {
		max = DefaultMaxCheckpoints
	}
	return &Manager{max: max}
}

func checkpointPath(sb sandbox.Sandbox, id types.CheckpointID) string {
	return sb.WorkDir() + "/" + checkpointDirName + "/" + string(id)
}

func excludeArgs() string {
	parts := make([]string, len(excludePatterns))
	for i, pattern := range excludePatterns {
		parts[i] = "--exclude=" + sandbox.Quote(pattern)
	}
	return strings.Join(parts, " ")
}

// Create snapshots the sandbox working directory into a new checkpoint keyed
// to the turn that produced it. When a parent is given, unchanged files are
// hard-linked against it. A failed snapshot is removed rather than left
// half-written.
func (m *Manager) Create(ctx context.Context, sb sandbox.Sandbox, turnID types.TurnID, parent types.CheckpointID) (*types.Checkpoint, error) {
	id := types.CheckpointIDForTurn(turnID)
	dir := checkpointPath(sb, id)
	base := sb.WorkDir() + "/" + checkpointDirName

	if _, err := sb.Exec(ctx, "mkdir -p "+sandbox.Quote(base)); err != nil {
		return nil, fmt.Errorf("prepare checkpoint dir: %w", err)
	}

	cmd := "rsync -a --delete "
	if parent != "" {
		cmd += "--link-dest=" + sandbox.Quote(checkpointPath(sb, parent)) + " "
	}
	cmd += excludeArgs() + " " + sandbox.Quote(sb.WorkDir()+"/") + " " + sandbox.Quote(dir+"/")

	if _, err := sb.Exec(ctx, cmd); err != nil {
		if _, cleanupErr := sb.Exec(ctx, "rm -rf "+sandbox.Quote(dir)); cleanupErr != nil {
			slog.Warn("failed to clean up partial checkpoint",
				"checkpoint_id", string(id), "error", cleanupErr)
		}
		return nil, fmt.Errorf("create checkpoint %s: %w", id, err)
	}

	if err := m.evictOld(ctx, sb); err != nil {
		slog.Warn("checkpoint eviction failed", "sandbox_id", string(sb.ID()), "error", err)
	}

	return &types.Checkpoint{
		ID:        id,
		TurnID:    turnID,
		ParentID:  parent,
		Path:      dir,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Restore replaces the working directory contents with the checkpoint's,
// removing files created after it was taken.
func (m *Manager) Restore(ctx context.Context, sb sandbox.Sandbox, id types.CheckpointID) error {
	dir := checkpointPath(sb, id)

	exists, err := m.exists(ctx, sb, dir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cmd := "rsync -a --delete " + excludeArgs() + " " +
		sandbox.Quote(dir+"/") + " " + sandbox.Quote(sb.WorkDir()+"/")
	if _, err := sb.Exec(ctx, cmd); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", id, err)
	}
	return nil
}

// List returns the sandbox's checkpoints, newest first.
func (m *Manager) List(ctx context.Context, sb sandbox.Sandbox) ([]types.Checkpoint, error) {
	base := sb.WorkDir() + "/" + checkpointDirName

	exists, err := m.exists(ctx, sb, base)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	listCmd := "cd " + sandbox.Quote(base) + ` && for dir in */; do ` +
		`if [ -d "$dir" ]; then echo "${dir%/}|$(stat -c %Y "$dir")"; fi; done`
	output, err := sb.Exec(ctx, listCmd)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var checkpoints []types.Checkpoint
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		name, stamp, ok := strings.Cut(line, "|")
		if !ok || name == "" {
			continue
		}
		unix, err := strconv.ParseInt(strings.TrimSpace(stamp), 10, 64)
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, types.Checkpoint{
			ID:        types.CheckpointID(name),
			TurnID:    types.TurnID(name),
			Path:      base + "/" + name,
			CreatedAt: time.Unix(unix, 0).UTC(),
		})
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// evictOld drops the oldest checkpoints beyond the retention bound. Each
// snapshot tree holds its own hard links to shared file content, so removing
// an old tree cannot orphan files referenced by newer ones; the successor is
// still verified before anything is deleted.
func (m *Manager) evictOld(ctx context.Context, sb sandbox.Sandbox) error {
	checkpoints, err := m.List(ctx, sb)
	if err != nil {
		return err
	}
	if len(checkpoints) <= m.max {
		return nil
	}

	for _, old := range checkpoints[m.max:] {
		successor := checkpoints[m.max-1]
		exists, err := m.exists(ctx, sb, successor.Path)
		if err != nil || !exists {
			return fmt.Errorf("successor checkpoint %s missing, refusing eviction", successor.ID)
		}
		if _, err := sb.Exec(ctx, "rm -rf "+sandbox.Quote(old.Path)); err != nil {
			return fmt.Errorf("evict checkpoint %s: %w", old.ID, err)
		}
		slog.Debug("evicted checkpoint", "sandbox_id", string(sb.ID()), "checkpoint_id", string(old.ID))
	}
	return nil
}

func (m *Manager) exists(ctx context.Context, sb sandbox.Sandbox, dir string) (bool, error) {
	output, err := sb.Exec(ctx, "[ -d "+sandbox.Quote(dir)+` ] && echo "1" || echo "0"`)
	if err != nil {
		return false, fmt.Errorf("check checkpoint dir: %w", err)
	}
	return strings.TrimSpace(output) == "1", nil
}
