// Package tracker turns the flat protocol message sequence into well-formed
// tool lifecycle events. It keeps a per-turn table of tool calls keyed by the
// protocol-assigned call id; nesting is recorded as a parent id, never as
// pointers, so concurrent readers reconstruct hierarchy from ids alone.
package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/sandbridge/internal/transport"
	"github.com/user/sandbridge/internal/types"
)

// Tracker consumes parsed protocol messages for one turn and emits normalized
// events. It performs no I/O beyond its own in-memory table.
type Tracker struct {
	sessionID types.SessionID
	turnID    types.TurnID
	calls     map[types.CallID]*types.ToolCall
}

// New creates a tracker scoped to one session and turn. Call ids from other
// sessions must never reach this tracker; correlation is per-turn.
func New(sessionID types.SessionID, turnID types.TurnID) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		turnID:    turnID,
		calls:     make(map[types.CallID]*types.ToolCall),
	}
}

// Call returns the tracked call for an id, if any.
func (t *Tracker) Call(id types.CallID) (*types.ToolCall, bool) {
	call, ok := t.calls[id]
	return call, ok
}

// Observe maps one protocol message to zero or more normalized events,
// updating the tool-call table as a side effect.
func (t *Tracker) Observe(msg *transport.Message) []*types.Event {
	switch msg.Type {
	case "assistant":
		return t.observeBlocks(msg)
	case "user":
		return t.observeBlocks(msg)
	case "system":
		return []*types.Event{t.event(types.EventSystem, msg.Raw)}
	case "tool_use":
		// Flat block shape, tolerated for protocol drift.
		if block := flatBlock(msg.Raw); block != nil {
			return t.observeToolUse(block, types.CallID(msg.ParentToolUseID))
		}
		return nil
	case "tool_result":
		if block := flatBlock(msg.Raw); block != nil {
			return t.observeToolResult(block)
		}
		return nil
	default:
		return nil
	}
}

func (t *Tracker) observeBlocks(msg *transport.Message) []*types.Event {
	if msg.Message == nil {
		return nil
	}
	parent := types.CallID(msg.ParentToolUseID)

	var events []*types.Event
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, t.payloadEvent(types.EventText, map[string]any{
					"text": block.Text,
				}))
			}
		case "thinking":
			if block.Thinking != "" {
				events = append(events, t.payloadEvent(types.EventThinking, map[string]any{
					"thinking": block.Thinking,
				}))
			}
		case "tool_use":
			events = append(events, t.observeToolUse(block, parent)...)
		case "tool_result":
			events = append(events, t.observeToolResult(block)...)
		}
	}
	return events
}

// observeToolUse registers a new tool call and emits tool_started.
func (t *Tracker) observeToolUse(block *transport.ContentBlock, parent types.CallID) []*types.Event {
	id := types.CallID(block.ID)
	if id == "" {
		return []*types.Event{t.diagnostic("tool_use block without id")}
	}
	if _, exists := t.calls[id]; exists {
		return []*types.Event{t.diagnostic(fmt.Sprintf("duplicate tool_use id %s", id))}
	}

	call := &types.ToolCall{
		ID:       id,
		Name:     block.Name,
		Input:    block.Input,
		ParentID: parent,
		Status:   types.CallStarted,
	}
	t.calls[id] = call

	payload := map[string]any{
		"call_id": string(id),
		"name":    block.Name,
		"input":   json.RawMessage(block.Input),
	}
	if parent != "" {
		payload["parent_call_id"] = string(parent)
	}
	return []*types.Event{t.payloadEvent(types.EventToolStarted, payload)}
}

// observeToolResult marks the matching call terminal. A result for an unknown
// id is a diagnostic, not a failure: protocol drift tolerance.
func (t *Tracker) observeToolResult(block *transport.ContentBlock) []*types.Event {
	id := types.CallID(block.ToolUseID)
	call, ok := t.calls[id]
	if !ok {
		slog.Debug("tool result for unknown call id",
			"session_id", string(t.sessionID), "call_id", string(id))
		return []*types.Event{t.diagnostic(fmt.Sprintf("tool result for unknown call id %s", id))}
	}
	if call.Status != types.CallStarted {
		return []*types.Event{t.diagnostic(fmt.Sprintf("tool result for already-terminal call id %s", id))}
	}

	result := NormalizeResult(block.Content)
	call.Result = result

	kind := types.EventToolCompleted
	if block.IsError {
		call.Status = types.CallFailed
		kind = types.EventToolFailed
	} else {
		call.Status = types.CallCompleted
	}

	return []*types.Event{t.payloadEvent(kind, map[string]any{
		"call_id": string(id),
		"name":    call.Name,
		"result":  result,
	})}
}

func (t *Tracker) diagnostic(detail string) *types.Event {
	return t.payloadEvent(types.EventDiagnostic, map[string]any{"detail": detail})
}

func (t *Tracker) payloadEvent(kind types.EventKind, payload map[string]any) *types.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return t.event(kind, data)
}

func (t *Tracker) event(kind types.EventKind, payload json.RawMessage) *types.Event {
	return &types.Event{
		SessionID: t.sessionID,
		TurnID:    t.turnID,
		Kind:      kind,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
}

// flatBlock reinterprets a whole message as a bare content block, for agents
// that emit tool_use/tool_result objects at the top level.
func flatBlock(raw json.RawMessage) *transport.ContentBlock {
	var block transport.ContentBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil
	}
	return &block
}
