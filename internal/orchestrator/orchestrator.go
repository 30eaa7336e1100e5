// Package orchestrator owns the per-session run loop: it opens a transport,
// writes the user's turn, drains protocol messages through the tracker into
// the event stream, arbitrates approvals, and checkpoints the sandbox when a
// turn completes. One writer task per session is the ordering guarantee the
// publisher depends on.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/sandbridge/internal/checkpoint"
	"github.com/user/sandbridge/internal/permission"
	"github.com/user/sandbridge/internal/sandbox"
	"github.com/user/sandbridge/internal/stream"
	"github.com/user/sandbridge/internal/tokens"
	"github.com/user/sandbridge/internal/transport"
	"github.com/user/sandbridge/internal/types"
)

// ErrTurnActive means a turn is already running for the session.
var ErrTurnActive = errors.New("session already has an active turn")

// cancelPollInterval is how often the cancellation watcher checks the
// interrupt flag.
const cancelPollInterval = 100 * time.Millisecond

// TransportFactory builds a transport for a sandbox; swapped in tests.
type TransportFactory func(sb sandbox.Sandbox, opts *transport.Options) transport.Transport

// TurnRequest is one user prompt submitted against a session.
type TurnRequest struct {
	Prompt             string
	CustomInstructions string
	Model              string
	PermissionMode     string
	SystemPrompt       string
	ThinkingMode       string
}

// Config carries the orchestrator's invocation defaults.
type Config struct {
	AgentBinary       string
	DefaultModel      string
	SystemPrompt      string
	PermissionAPIURL  string
	PermissionCommand []string
	MaxConcurrent     int64
}

// activeTurn is the mutable state of one in-flight turn. finalize is the
// per-session lock making turn finalization and checkpoint creation mutually
// exclusive with cancellation teardown.
type activeTurn struct {
	turnID    types.TurnID
	transport transport.Transport

	mu        sync.Mutex
	cancelled bool
	finalized bool
}

// Orchestrator coordinates sessions, turns, and the bridge components.
type Orchestrator struct {
	sessions    types.SessionStore
	stream      *stream.Publisher
	permissions *permission.Coordinator
	checkpoints *checkpoint.Manager
	provider    sandbox.Provider
	estimator   *tokens.Estimator
	newTranport TransportFactory
	cfg         Config
	sem         *semaphore.Weighted

	mu     sync.Mutex
	active map[types.SessionID]*activeTurn
}

// New creates an orchestrator. estimator may be nil to skip token accounting.
func New(
	sessions types.SessionStore,
	publisher *stream.Publisher,
	permissions *permission.Coordinator,
	checkpoints *checkpoint.Manager,
	provider sandbox.Provider,
	estimator *tokens.Estimator,
	cfg Config,
) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		sessions:    sessions,
		stream:      publisher,
		permissions: permissions,
		checkpoints: checkpoints,
		provider:    provider,
		estimator:   estimator,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(maxConcurrent),
		active:      make(map[types.SessionID]*activeTurn),
		newTranport: func(sb sandbox.Sandbox, opts *transport.Options) transport.Transport {
			return transport.New(sb, opts)
		},
	}
}

// SetTransportFactory overrides how transports are built. Used by tests.
func (o *Orchestrator) SetTransportFactory(factory TransportFactory) {
	o.newTranport = factory
}

// CreateSession registers a new session bound to a sandbox handle.
func (o *Orchestrator) CreateSession(ctx context.Context, sandboxID types.SandboxID) (*types.Session, error) {
	session := &types.Session{
		ID:        types.NewSessionID(),
		SandboxID: sandboxID,
	}
	if err := o.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SubmitTurn starts processing a prompt against the session. It returns the
// new turn id immediately; events flow through the stream as they happen.
// Fails with ErrTurnActive while a previous turn is still running.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID types.SessionID, req TurnRequest) (types.TurnID, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	turnID := types.NewTurnID()
	turn := &activeTurn{turnID: turnID}

	o.mu.Lock()
	if _, exists := o.active[sessionID]; exists {
		o.mu.Unlock()
		return "", ErrTurnActive
	}
	o.active[sessionID] = turn
	o.mu.Unlock()

	session.CurrentTurnID = turnID
	session.TurnStatus = types.TurnRunning
	if err := o.sessions.Update(ctx, session); err != nil {
		o.clearActive(sessionID)
		return "", err
	}

	go o.runTurn(session, turn, req)
	return turnID, nil
}

// Interrupt requests cancellation of the session's active turn. The
// cancellation watcher picks the flag up on its next poll.
func (o *Orchestrator) Interrupt(sessionID types.SessionID) error {
	o.mu.Lock()
	turn, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active turn for session %s", sessionID)
	}
	turn.mu.Lock()
	turn.cancelled = true
	turn.mu.Unlock()
	return nil
}

// Subscribe exposes the event stream's cursor subscription.
func (o *Orchestrator) Subscribe(ctx context.Context, sessionID types.SessionID, after int64) (<-chan *types.Event, error) {
	return o.stream.Subscribe(ctx, sessionID, after)
}

// Events returns the persisted events after the cursor.
func (o *Orchestrator) Events(ctx context.Context, sessionID types.SessionID, after int64) ([]*types.Event, error) {
	return o.stream.ReadAfter(ctx, sessionID, after)
}

// ResolvePermission forwards a human decision to the coordinator.
func (o *Orchestrator) ResolvePermission(requestID types.RequestID, decision types.Decision) error {
	return o.permissions.Resolve(requestID, decision)
}

// RequestApproval opens an approval request against the session's active
// turn. Called by the permission tool-server running inside the sandbox.
func (o *Orchestrator) RequestApproval(ctx context.Context, sessionID types.SessionID, toolName string, toolInput json.RawMessage) (*types.PermissionRequest, error) {
	o.mu.Lock()
	turn, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no active turn for session %s", sessionID)
	}
	req, _, err := o.permissions.RequestApproval(ctx, sessionID, turn.turnID, toolName, toolInput)
	return req, err
}

// AwaitPermission blocks until the request resolves or ctx ends.
func (o *Orchestrator) AwaitPermission(ctx context.Context, requestID types.RequestID) (types.Decision, error) {
	return o.permissions.Await(ctx, requestID)
}

// GetPermission returns the request's current state.
func (o *Orchestrator) GetPermission(requestID types.RequestID) (*types.PermissionRequest, bool) {
	return o.permissions.Get(requestID)
}

// GetSession returns the stored session.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID types.SessionID) (*types.Session, error) {
	return o.sessions.Get(ctx, sessionID)
}

// ListSessions returns all stored sessions.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]*types.Session, error) {
	return o.sessions.List(ctx)
}

// ListCheckpoints returns the session's checkpoints, newest first.
func (o *Orchestrator) ListCheckpoints(ctx context.Context, sessionID types.SessionID) ([]types.Checkpoint, error) {
	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sb, err := o.provider.Sandbox(ctx, session.SandboxID)
	if err != nil {
		return nil, err
	}
	return o.checkpoints.List(ctx, sb)
}

// RestoreCheckpoint rolls the session's sandbox back to a prior snapshot.
// Refused while a turn is running: restore under a live agent process would
// race its own writes.
func (o *Orchestrator) RestoreCheckpoint(ctx context.Context, sessionID types.SessionID, checkpointID types.CheckpointID) error {
	o.mu.Lock()
	_, running := o.active[sessionID]
	o.mu.Unlock()
	if running {
		return ErrTurnActive
	}

	session, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sb, err := o.provider.Sandbox(ctx, session.SandboxID)
	if err != nil {
		return err
	}
	return o.checkpoints.Restore(ctx, sb, checkpointID)
}

func (o *Orchestrator) clearActive(sessionID types.SessionID) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

// publish appends one event, logging rather than failing the turn on stream
// errors: a broken disk should not take the agent process down mid-turn.
func (o *Orchestrator) publish(ctx context.Context, event *types.Event) {
	if _, err := o.stream.Publish(ctx, event); err != nil {
		slog.Error("failed to publish event",
			"session_id", string(event.SessionID), "kind", string(event.Kind), "error", err)
	}
}

func (o *Orchestrator) publishPayload(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, kind types.EventKind, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	o.publish(ctx, &types.Event{
		SessionID: sessionID,
		TurnID:    turnID,
		Kind:      kind,
		At:        time.Now().UTC(),
		Payload:   data,
	})
}
