// Package stream is a JSONL-backed append-only event log with cursor-based
// live subscriptions. Events are stored per-session in
// sessions/<sessionID>/events.jsonl; the sequence number assigned on publish
// is the resumption cursor a reconnecting client supplies to receive exactly
// the events it missed.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/sandbridge/internal/types"
)

// Publisher implements types.EventStream on the local filesystem.
type Publisher struct {
	root string

	mu   sync.Mutex
	logs map[types.SessionID]*sessionLog
}

// sessionLog tracks the in-memory head of one session's log. notify is
// closed and replaced on every publish; waiters re-check the sequence after
// it fires.
type sessionLog struct {
	mu      sync.Mutex
	loaded  bool
	lastSeq int64
	closed  bool
	notify  chan struct{}
}

// NewPublisher creates a file-backed Publisher rooted at the given directory.
func NewPublisher(root string) *Publisher {
	return &Publisher{
		root: root,
		logs: make(map[types.SessionID]*sessionLog),
	}
}

func (p *Publisher) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(p.root, "sessions", string(sessionID), "events.jsonl")
}

func (p *Publisher) log(sessionID types.SessionID) *sessionLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.logs[sessionID]; ok {
		return l
	}
	l := &sessionLog{notify: make(chan struct{})}
	p.logs[sessionID] = l
	return l
}

// load reads the current head sequence from disk. Caller holds l.mu.
func (p *Publisher) load(sessionID types.SessionID, l *sessionLog) error {
	if l.loaded {
		return nil
	}
	events, err := p.readAfter(sessionID, 0)
	if err != nil {
		return err
	}
	if n := len(events); n > 0 {
		l.lastSeq = events[n-1].Seq
	}
	l.loaded = true
	return nil
}

// Publish appends the event to the session's log, assigning the next
// monotonic sequence number, and wakes all subscribers. The orchestrator
// guarantees a single writer per session; the lock here keeps ordering intact
// even if that guarantee is violated.
func (p *Publisher) Publish(_ context.Context, event *types.Event) (int64, error) {
	l := p.log(event.SessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := p.load(event.SessionID, l); err != nil {
		return 0, err
	}

	dir := filepath.Dir(p.eventsPath(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create session dir: %w", err)
	}

	event.Seq = l.lastSeq + 1

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(p.eventsPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("write event: %w", err)
	}

	l.lastSeq = event.Seq
	close(l.notify)
	l.notify = make(chan struct{})

	return event.Seq, nil
}

// LastSeq returns the head sequence number for the session, 0 if empty.
func (p *Publisher) LastSeq(_ context.Context, sessionID types.SessionID) (int64, error) {
	l := p.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := p.load(sessionID, l); err != nil {
		return 0, err
	}
	return l.lastSeq, nil
}

// ReadAfter returns all persisted events with Seq > after, in order.
func (p *Publisher) ReadAfter(_ context.Context, sessionID types.SessionID, after int64) ([]*types.Event, error) {
	l := p.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return p.readAfter(sessionID, after)
}

// readAfter scans the JSONL file. Caller holds l.mu.
func (p *Publisher) readAfter(sessionID types.SessionID, after int64) ([]*types.Event, error) {
	f, err := os.Open(p.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if event.Seq > after {
			events = append(events, &event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return events, nil
}

// Subscribe returns a live sequence of events with Seq > after. The channel
// replays persisted history first, then blocks for new events until ctx is
// cancelled or the session is closed, at which point it is closed after the
// remaining events are delivered. No event is skipped or duplicated.
func (p *Publisher) Subscribe(ctx context.Context, sessionID types.SessionID, after int64) (<-chan *types.Event, error) {
	out := make(chan *types.Event)
	l := p.log(sessionID)

	go func() {
		defer close(out)
		cursor := after
		for {
			l.mu.Lock()
			notify := l.notify
			closed := l.closed
			head := l.lastSeq
			if !l.loaded {
				if err := p.load(sessionID, l); err != nil {
					l.mu.Unlock()
					return
				}
				head = l.lastSeq
			}
			l.mu.Unlock()

			if cursor < head {
				events, err := p.ReadAfter(ctx, sessionID, cursor)
				if err != nil {
					return
				}
				for _, event := range events {
					select {
					case out <- event:
						cursor = event.Seq
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			if closed {
				return
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close marks the session terminal for subscription purposes: subscribers
// drain whatever is persisted and then their channels close instead of
// blocking forever.
func (p *Publisher) Close(sessionID types.SessionID) {
	l := p.log(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
	l.notify = make(chan struct{})
}
