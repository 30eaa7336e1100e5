// internal/transport/protocol.go
package transport

import (
	"encoding/json"
)

// Wire message types for the newline-delimited JSON protocol spoken with the
// agent process. Inbound messages are decoded loosely: unknown fields are
// ignored and unknown types are passed through for the tracker to diagnose.

// Message is one parsed line from the agent process.
type Message struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Message         *InnerMessage   `json:"message,omitempty"`
	Result          string          `json:"result,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`
	TotalCostUSD    float64         `json:"total_cost_usd,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// InnerMessage is the assistant/user envelope carrying content blocks.
type InnerMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one block inside an assistant or user message. The same
// struct covers text, thinking, tool_use, and tool_result blocks; only the
// fields for the block's type are set.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// UserTurn is the single outbound message shape: one JSON object per user
// turn, written as one line to the process's input stream.
type UserTurn struct {
	Type            string      `json:"type"`
	Message         TurnMessage `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id,omitempty"`
}

type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserTurn builds the outbound turn message for a prompt, carrying the
// resume token when the conversation continues an earlier process.
func NewUserTurn(prompt, resumeToken string) UserTurn {
	return UserTurn{
		Type: "user",
		Message: TurnMessage{
			Role:    "user",
			Content: prompt,
		},
		SessionID: resumeToken,
	}
}

// ParseMessage decodes one protocol line, retaining the raw bytes.
func ParseMessage(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	msg.Raw = json.RawMessage(append([]byte(nil), line...))
	return &msg, nil
}
