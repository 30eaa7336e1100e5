// Package transport bridges the line-delimited JSON protocol to and from an
// agent process running inside a sandbox. The concrete execution substrate is
// behind the sandbox.Sandbox interface; the transport only assumes a process
// with attached stdio.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/sandbridge/internal/sandbox"
)

var (
	// ErrTransportUnavailable means the sandbox could not be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrProcessStartFailed means the agent command could not be launched.
	ErrProcessStartFailed = errors.New("agent process start failed")
	// ErrNotConnected means Write was called before Connect or after Close.
	ErrNotConnected = errors.New("transport not connected")
)

const (
	defaultQueueSize = 32
	// maxLineBytes bounds a single protocol line; tool results can carry
	// whole files, so this is generous.
	maxLineBytes = 10 * 1024 * 1024
)

// Transport is the connect/write/read-stream/close contract over a remote
// agent process. Messages is single-pass per process lifetime: restarting the
// stream means creating a new Transport.
type Transport interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, msg any) error
	Messages() <-chan *Message
	Close() error
}

// ProcessTransport runs the agent process inside a sandbox and frames its
// stdout into parsed protocol messages.
type ProcessTransport struct {
	sb   sandbox.Sandbox
	opts *Options

	mu          sync.Mutex
	proc        sandbox.Process
	connected   bool
	closing     bool
	inputClosed bool

	queue      chan *Message
	readerDone chan struct{}
}

// New creates a transport for the given sandbox and process options.
func New(sb sandbox.Sandbox, opts *Options) *ProcessTransport {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &ProcessTransport{
		sb:         sb,
		opts:       opts,
		queue:      make(chan *Message, size),
		readerDone: make(chan struct{}),
	}
}

// Connect builds the process invocation and starts it inside the sandbox,
// wiring stdout into the message queue and stderr into the log.
func (t *ProcessTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	command, err := t.opts.BuildCommand()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessStartFailed, err)
	}

	env := map[string]string{"TERM": "xterm-256color"}
	for key, value := range t.opts.Env {
		env[key] = value
	}

	proc, err := t.sb.Start(ctx, sandbox.ProcessSpec{
		Command: command,
		Env:     env,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrProcessStartFailed, err)
	}

	t.proc = proc
	t.connected = true

	go t.readLoop(proc.Stdout())
	go t.drainStderr(proc.Stderr())
	go t.watch(proc)

	return nil
}

// Write serializes msg to one JSON line on the process's input stream.
func (t *ProcessTransport) Write(_ context.Context, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.inputClosed {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	if err := t.proc.Write(data); err != nil {
		return fmt.Errorf("write to agent process: %w", err)
	}
	return nil
}

// Messages returns the stream of parsed protocol messages. The channel is
// closed after the process exits and all pending output has been delivered.
func (t *ProcessTransport) Messages() <-chan *Message {
	return t.queue
}

// Close signals end-of-input to the process so it can finish the current turn
// and exit on its own, rather than being killed mid-write. Idempotent.
func (t *ProcessTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.closing {
		return nil
	}
	t.closing = true
	t.inputClosed = true
	if err := t.proc.CloseInput(); err != nil {
		return fmt.Errorf("close agent input: %w", err)
	}
	return nil
}

// readLoop frames stdout into lines, strips terminal control sequences, and
// parses each surviving line as JSON. Unparsable lines go to the log rather
// than raising: stray CLI banner text is expected.
func (t *ProcessTransport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(StripControl(scanner.Text()))
		if line == "" {
			continue
		}

		msg, err := ParseMessage([]byte(line))
		if err != nil {
			slog.Debug("skipping non-protocol output line",
				"sandbox_id", string(t.sb.ID()), "line", truncate(line, 200))
			continue
		}
		t.enqueue(msg)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent stdout read error", "sandbox_id", string(t.sb.ID()), "error", err)
	}
}

// enqueue adds a message to the bounded queue, dropping the oldest entry on
// overflow so the process's push-based output never stalls the reader.
func (t *ProcessTransport) enqueue(msg *Message) {
	select {
	case t.queue <- msg:
	default:
		select {
		case dropped := <-t.queue:
			slog.Warn("message queue overflow, dropping oldest",
				"sandbox_id", string(t.sb.ID()), "dropped_type", dropped.Type)
		default:
		}
		t.queue <- msg
	}
}

func (t *ProcessTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			slog.Debug("agent stderr", "sandbox_id", string(t.sb.ID()), "line", truncate(line, 500))
		}
	}
}

// watch observes process liveness. On unexpected exit it injects a synthetic
// terminal error message into the queue so consumers never block forever.
func (t *ProcessTransport) watch(proc sandbox.Process) {
	err := proc.Wait()
	<-t.readerDone

	t.mu.Lock()
	expected := t.closing
	t.connected = false
	t.mu.Unlock()

	if err != nil && !expected {
		slog.Warn("agent process exited unexpectedly",
			"sandbox_id", string(t.sb.ID()), "error", err)
		synthetic := &Message{
			Type:    "result",
			Subtype: "error_during_execution",
			IsError: true,
			Result:  fmt.Sprintf("agent process exited unexpectedly: %v", err),
		}
		t.enqueue(synthetic)
	}

	close(t.queue)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
