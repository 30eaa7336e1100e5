// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the normalized events stored in the stream.
type EventKind string

const (
	EventText              EventKind = "text"
	EventThinking          EventKind = "thinking"
	EventToolStarted       EventKind = "tool_started"
	EventToolCompleted     EventKind = "tool_completed"
	EventToolFailed        EventKind = "tool_failed"
	EventPermissionRequest EventKind = "permission_request"
	EventApprovalTimedOut  EventKind = "approval_timed_out"
	EventSystem            EventKind = "system"
	EventUserEcho          EventKind = "user_echo"
	EventDiagnostic        EventKind = "diagnostic"
	EventTurnCompleted     EventKind = "turn_completed"
	EventTurnFailed        EventKind = "turn_failed"
	EventTurnInterrupted   EventKind = "turn_interrupted"
)

// Terminal reports whether the kind marks the end of a turn. Subscribers use
// this to stop waiting instead of blocking on a stream that will never grow.
func (k EventKind) Terminal() bool {
	switch k {
	case EventTurnCompleted, EventTurnFailed, EventTurnInterrupted:
		return true
	}
	return false
}

// Event is the immutable unit stored in the per-session stream. Seq is
// assigned by the publisher and increases monotonically within a session.
type Event struct {
	SessionID SessionID       `json:"session_id"`
	TurnID    TurnID          `json:"turn_id,omitempty"`
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"kind"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TurnStatus is the terminal disposition of a turn.
type TurnStatus string

const (
	TurnRunning     TurnStatus = "running"
	TurnCompleted   TurnStatus = "completed"
	TurnFailed      TurnStatus = "failed"
	TurnInterrupted TurnStatus = "interrupted"
)

// Session indexes one continuous agent conversation.
type Session struct {
	ID            SessionID    `json:"id"`
	SandboxID     SandboxID    `json:"sandbox_id"`
	ResumeToken   string       `json:"resume_token,omitempty"`
	CurrentTurnID TurnID       `json:"current_turn_id,omitempty"`
	TurnStatus    TurnStatus   `json:"turn_status,omitempty"`
	LastEventSeq  int64        `json:"last_event_seq"`
	TokenEstimate int          `json:"token_estimate"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Checkpoints   []Checkpoint `json:"checkpoints,omitempty"`
}

// CallStatus is the lifecycle state of one tool invocation.
type CallStatus string

const (
	CallStarted   CallStatus = "started"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

// ToolCall tracks one invocation of a capability by the agent, keyed by the
// protocol-assigned call id. Parent links nested calls for presentation;
// hierarchy is never held as pointers, only reconstructed from ids.
type ToolCall struct {
	ID       CallID          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	ParentID CallID          `json:"parent_id,omitempty"`
	Status   CallStatus      `json:"status"`
	Result   any             `json:"result,omitempty"`
}

// Resolution is the terminal state of a permission request.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
	ResolutionTimedOut Resolution = "timed_out"
)

// PermissionRequest correlates one pending approval with a human decision.
type PermissionRequest struct {
	ID         RequestID       `json:"id"`
	SessionID  SessionID       `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	Resolution Resolution      `json:"resolution"`
	CreatedAt  time.Time       `json:"created_at"`
	Deadline   time.Time       `json:"deadline"`
}

// Decision is the outcome delivered to whoever awaits a permission request.
type Decision struct {
	Approved    bool   `json:"approved"`
	Alternative string `json:"alternative_instruction,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
}

// Checkpoint references an incremental snapshot of sandbox filesystem state.
// Immutable once created.
type Checkpoint struct {
	ID        CheckpointID `json:"id"`
	TurnID    TurnID       `json:"turn_id"`
	ParentID  CheckpointID `json:"parent_id,omitempty"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
}
