// internal/types/interfaces.go
package types

import (
	"context"
)

type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id SessionID) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Update(ctx context.Context, session *Session) error
}

// EventStream is the durable, ordered, replayable log of normalized events.
// Publish assigns the next sequence number; Subscribe delivers every event
// with Seq > after, blocking for new ones until ctx is cancelled or the
// session is closed.
type EventStream interface {
	Publish(ctx context.Context, event *Event) (int64, error)
	Subscribe(ctx context.Context, sessionID SessionID, after int64) (<-chan *Event, error)
	LastSeq(ctx context.Context, sessionID SessionID) (int64, error)
	Close(sessionID SessionID)
}
