// Package permission correlates agent-originated approval requests with
// asynchronous human decisions. The agent process pauses itself while
// awaiting a tool result, so the coordinator never throttles the transport:
// its whole job is correlation and timeout.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sandbridge/internal/types"
)

var (
	// ErrUnknownRequest means the request id is not pending.
	ErrUnknownRequest = errors.New("unknown permission request")
	// ErrAlreadyResolved means the request was resolved before.
	ErrAlreadyResolved = errors.New("permission request already resolved")
)

// DefaultTimeout is the window a human has to decide before the request
// resolves to rejected on its own.
const DefaultTimeout = 5 * time.Minute

// pending is one in-flight request. The once guards delivery so exactly one
// resolution wins; the record itself is written only under the coordinator
// lock, and callers always receive copies, never the live record.
type pending struct {
	request *types.PermissionRequest
	done    chan types.Decision
	once    sync.Once
	timer   *time.Timer
}

// Notifier is told about new requests so out-of-band surfaces (chat bots)
// can prompt a human. Must not block.
type Notifier interface {
	NotifyRequest(request *types.PermissionRequest)
}

// Coordinator tracks pending approval requests for all sessions. The map
// lock covers only single-key insert/lookup/delete; waiting happens on the
// per-request channel.
type Coordinator struct {
	stream   types.EventStream
	timeout  time.Duration
	notifier Notifier

	mu       sync.Mutex
	requests map[types.RequestID]*pending
}

// SetNotifier registers an out-of-band notifier. Call before serving.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// NewCoordinator creates a coordinator publishing permission events to the
// given stream. timeout <= 0 selects DefaultTimeout.
func NewCoordinator(stream types.EventStream, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		stream:   stream,
		timeout:  timeout,
		requests: make(map[types.RequestID]*pending),
	}
}

// RequestApproval records a pending request, publishes a permission_request
// event for UIs to render, and returns the request plus a channel that yields
// exactly one decision: human-made or timeout-rejected.
func (c *Coordinator) RequestApproval(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, toolName string, toolInput json.RawMessage) (*types.PermissionRequest, <-chan types.Decision, error) {
	now := time.Now().UTC()
	request := &types.PermissionRequest{
		ID:         types.NewRequestID(),
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolInput:  toolInput,
		Resolution: types.ResolutionPending,
		CreatedAt:  now,
		Deadline:   now.Add(c.timeout),
	}

	entry := &pending{
		request: request,
		done:    make(chan types.Decision, 1),
	}
	// Timer-based expiry keeps timeouts off every I/O path.
	entry.timer = time.AfterFunc(c.timeout, func() {
		c.expire(request.ID)
	})

	c.mu.Lock()
	c.requests[request.ID] = entry
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]any{
		"request_id": string(request.ID),
		"tool_name":  toolName,
		"tool_input": toolInput,
		"deadline":   request.Deadline,
	})
	if err != nil {
		payload = nil
	}
	if _, err := c.stream.Publish(ctx, &types.Event{
		SessionID: sessionID,
		TurnID:    turnID,
		Kind:      types.EventPermissionRequest,
		At:        now,
		Payload:   payload,
	}); err != nil {
		return nil, nil, err
	}

	// A decision (or the expiry timer) can land as soon as the entry is in
	// the map, so hand out a copy rather than the live record.
	view := c.snapshot(entry)
	if c.notifier != nil {
		c.notifier.NotifyRequest(view)
	}

	return view, entry.done, nil
}

// Resolve records a human decision. Exactly one resolution wins; later
// attempts fail with ErrAlreadyResolved, ids never seen with ErrUnknownRequest.
func (c *Coordinator) Resolve(requestID types.RequestID, decision types.Decision) error {
	c.mu.Lock()
	entry, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	resolved := false
	entry.once.Do(func() {
		resolved = true
		entry.timer.Stop()
		resolution := types.ResolutionRejected
		if decision.Approved {
			resolution = types.ResolutionApproved
		}
		c.setResolution(entry, resolution)
		entry.done <- decision
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}

// Await blocks until the request resolves or ctx is cancelled.
func (c *Coordinator) Await(ctx context.Context, requestID types.RequestID) (types.Decision, error) {
	c.mu.Lock()
	entry, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return types.Decision{}, ErrUnknownRequest
	}

	select {
	case decision := <-entry.done:
		// Re-buffer for any other waiter; the channel never sees a second
		// send so this cannot block.
		entry.done <- decision
		return decision, nil
	case <-ctx.Done():
		return types.Decision{}, ctx.Err()
	}
}

// Get returns a copy of the tracked request, if known. Copying keeps readers
// (handlers marshalling the record) independent of a resolution landing
// concurrently.
func (c *Coordinator) Get(requestID types.RequestID) (*types.PermissionRequest, bool) {
	c.mu.Lock()
	entry, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.snapshot(entry), true
}

// setResolution writes the record's resolution under the coordinator lock,
// pairing with snapshot on the read side.
func (c *Coordinator) setResolution(entry *pending, resolution types.Resolution) {
	c.mu.Lock()
	entry.request.Resolution = resolution
	c.mu.Unlock()
}

func (c *Coordinator) snapshot(entry *pending) *types.PermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	request := *entry.request
	return &request
}

// expire resolves a request to rejected after the decision window elapses,
// publishing a distinct approval_timed_out event so the session moves forward
// instead of hanging.
func (c *Coordinator) expire(requestID types.RequestID) {
	c.mu.Lock()
	entry, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.once.Do(func() {
		c.setResolution(entry, types.ResolutionTimedOut)
		entry.done <- types.Decision{Approved: false, TimedOut: true}

		payload, err := json.Marshal(map[string]any{
			"request_id": string(requestID),
			"tool_name":  entry.request.ToolName,
		})
		if err != nil {
			payload = nil
		}
		if _, err := c.stream.Publish(context.Background(), &types.Event{
			SessionID: entry.request.SessionID,
			Kind:      types.EventApprovalTimedOut,
			At:        time.Now().UTC(),
			Payload:   payload,
		}); err != nil {
			slog.Warn("failed to publish approval timeout event",
				"request_id", string(requestID), "error", err)
		}
	})
}
