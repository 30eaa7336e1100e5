// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type TurnID string
type CallID string
type RequestID string
type CheckpointID string
type SandboxID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// CheckpointIDForTurn derives a checkpoint id from the turn that produced it,
// so a restore can be issued later knowing only the turn.
func CheckpointIDForTurn(turn TurnID) CheckpointID {
	return CheckpointID(turn)
}
