package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/sandbridge/internal/checkpoint"
	"github.com/user/sandbridge/internal/permission"
	"github.com/user/sandbridge/internal/sandbox"
	"github.com/user/sandbridge/internal/state"
	"github.com/user/sandbridge/internal/stream"
	"github.com/user/sandbridge/internal/transport"
	"github.com/user/sandbridge/internal/types"
)

// fakeSandbox answers directory probes negatively so checkpoint bookkeeping
// stays out of the way, and records every command it is asked to run.
type fakeSandbox struct {
	mu   sync.Mutex
	cmds []string
}

func (f *fakeSandbox) ID() types.SandboxID { return "sb-test" }

func (f *fakeSandbox) Exec(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, command)
	f.mu.Unlock()
	if strings.HasPrefix(command, "[ -d ") {
		return "0\n", nil
	}
	return "", nil
}

func (f *fakeSandbox) Start(context.Context, sandbox.ProcessSpec) (sandbox.Process, error) {
	return nil, errors.New("not supported")
}

func (f *fakeSandbox) WorkDir() string { return "/work" }

func (f *fakeSandbox) ranRsync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.cmds {
		if strings.HasPrefix(cmd, "rsync ") {
			return true
		}
	}
	return false
}

type fakeProvider struct {
	sb  sandbox.Sandbox
	err error
}

func (f *fakeProvider) Sandbox(context.Context, types.SandboxID) (sandbox.Sandbox, error) {
	return f.sb, f.err
}

// fakeTransport replays scripted protocol messages. With block set it holds
// the stream open until Close, standing in for a long-running agent process.
type fakeTransport struct {
	scripted   []*transport.Message
	block      bool
	connectErr error
	writeErr   error

	mu      sync.Mutex
	written []any
	msgs    chan *transport.Message
	stop    chan struct{}
	once    sync.Once
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.msgs = make(chan *transport.Message, len(f.scripted)+1)
	f.stop = make(chan struct{})
	go func() {
		defer close(f.msgs)
		for _, msg := range f.scripted {
			select {
			case f.msgs <- msg:
			case <-f.stop:
				return
			}
		}
		if f.block {
			<-f.stop
		}
	}()
	return nil
}

func (f *fakeTransport) Write(_ context.Context, msg any) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Messages() <-chan *transport.Message {
	return f.msgs
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() {
		if f.stop != nil {
			close(f.stop)
		}
	})
	return nil
}

func message(t *testing.T, line string) *transport.Message {
	t.Helper()
	msg, err := transport.ParseMessage([]byte(line))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	return msg
}

func newTestOrchestrator(t *testing.T, provider sandbox.Provider) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	sessions := state.NewSessionStore(root)
	publisher := stream.NewPublisher(root)
	permissions := permission.NewCoordinator(publisher, time.Second)
	checkpoints := checkpoint.NewManager(0)
	return New(sessions, publisher, permissions, checkpoints, provider, nil, Config{
		AgentBinary:  "claude",
		DefaultModel: "sonnet",
	})
}

// collectUntilTerminal drains the subscription until a terminal event arrives.
func collectUntilTerminal(t *testing.T, ch <-chan *types.Event) []*types.Event {
	t.Helper()
	var events []*types.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("stream ended without terminal event, got %d events", len(events))
			}
			events = append(events, event)
			if event.Kind.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(events))
		}
	}
}

// waitSessionStatus polls until the stored session reaches the wanted status.
func waitSessionStatus(t *testing.T, o *Orchestrator, id types.SessionID, want types.TurnStatus) *types.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := o.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if session.TurnStatus == want {
			return session
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached status %s", want)
	return nil
}

func TestSubmitTurn_Completed(t *testing.T) {
	sb := &fakeSandbox{}
	o := newTestOrchestrator(t, &fakeProvider{sb: sb})
	ctx := context.Background()

	tr := &fakeTransport{scripted: []*transport.Message{
		message(t, `{"type":"system","subtype":"init","session_id":"agent-xyz"}`),
		message(t, `{"type":"assistant","session_id":"agent-xyz","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`),
		message(t, `{"type":"result","subtype":"success","session_id":"agent-xyz"}`),
	}}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ch, err := o.Subscribe(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	turnID, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if turnID == "" {
		t.Fatal("empty turn id")
	}

	events := collectUntilTerminal(t, ch)
	if events[0].Kind != types.EventUserEcho {
		t.Errorf("first event is %s, want user_echo", events[0].Kind)
	}
	var sawText bool
	for _, event := range events {
		if event.Kind == types.EventText {
			sawText = true
		}
	}
	if !sawText {
		t.Error("assistant text never reached the stream")
	}
	last := events[len(events)-1]
	if last.Kind != types.EventTurnCompleted {
		t.Errorf("terminal event is %s, want turn_completed", last.Kind)
	}

	updated := waitSessionStatus(t, o, session.ID, types.TurnCompleted)
	if updated.ResumeToken != "agent-xyz" {
		t.Errorf("resume token not captured: %q", updated.ResumeToken)
	}
	if len(updated.Checkpoints) != 1 {
		t.Errorf("expected 1 checkpoint, got %d", len(updated.Checkpoints))
	}
	if updated.LastEventSeq == 0 {
		t.Error("last event seq not recorded")
	}
	if !sb.ranRsync() {
		t.Error("checkpoint snapshot never ran")
	}
}

func TestSubmitTurn_SecondSubmitConflicts(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	ctx := context.Background()

	tr := &fakeTransport{block: true}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "first"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	_, err = o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "second"})
	if !errors.Is(err, ErrTurnActive) {
		t.Errorf("expected ErrTurnActive, got %v", err)
	}

	if err := o.Interrupt(session.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitSessionStatus(t, o, session.ID, types.TurnInterrupted)
}

func TestInterrupt(t *testing.T) {
	sb := &fakeSandbox{}
	o := newTestOrchestrator(t, &fakeProvider{sb: sb})
	ctx := context.Background()

	tr := &fakeTransport{
		scripted: []*transport.Message{
			message(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working..."}]}}`),
		},
		block: true,
	}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ch, err := o.Subscribe(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "go"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if err := o.Interrupt(session.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	events := collectUntilTerminal(t, ch)
	last := events[len(events)-1]
	if last.Kind != types.EventTurnInterrupted {
		t.Errorf("terminal event is %s, want turn_interrupted", last.Kind)
	}

	updated := waitSessionStatus(t, o, session.ID, types.TurnInterrupted)
	if len(updated.Checkpoints) != 0 {
		t.Error("interrupted turn must not create a checkpoint")
	}
	if sb.ranRsync() {
		t.Error("snapshot ran for an interrupted turn")
	}
}

func TestInterrupt_NoActiveTurn(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	session, err := o.CreateSession(context.Background(), "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := o.Interrupt(session.ID); err == nil {
		t.Error("expected error interrupting an idle session")
	}
}

func TestSubmitTurn_ErrorResult(t *testing.T) {
	sb := &fakeSandbox{}
	o := newTestOrchestrator(t, &fakeProvider{sb: sb})
	ctx := context.Background()

	tr := &fakeTransport{scripted: []*transport.Message{
		message(t, `{"type":"result","subtype":"error_during_execution","is_error":true}`),
	}}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ch, err := o.Subscribe(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "go"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	events := collectUntilTerminal(t, ch)
	if last := events[len(events)-1]; last.Kind != types.EventTurnFailed {
		t.Errorf("terminal event is %s, want turn_failed", last.Kind)
	}
	updated := waitSessionStatus(t, o, session.ID, types.TurnFailed)
	if len(updated.Checkpoints) != 0 {
		t.Error("failed turn must not create a checkpoint")
	}
}

func TestSubmitTurn_StreamEndsWithoutResult(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	ctx := context.Background()

	tr := &fakeTransport{scripted: []*transport.Message{
		message(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}`),
	}}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ch, err := o.Subscribe(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "go"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	events := collectUntilTerminal(t, ch)
	if last := events[len(events)-1]; last.Kind != types.EventTurnFailed {
		t.Errorf("terminal event is %s, want turn_failed", last.Kind)
	}
	waitSessionStatus(t, o, session.ID, types.TurnFailed)
}

func TestSubmitTurn_ConnectFailure(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	ctx := context.Background()

	tr := &fakeTransport{connectErr: errors.New("binary not found")}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ch, err := o.Subscribe(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "go"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	events := collectUntilTerminal(t, ch)
	last := events[len(events)-1]
	if last.Kind != types.EventTurnFailed {
		t.Errorf("terminal event is %s, want turn_failed", last.Kind)
	}
	var payload map[string]any
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	reason, _ := payload["error"].(string)
	if !strings.Contains(reason, "binary not found") {
		t.Errorf("failure reason missing: %v", payload)
	}
	waitSessionStatus(t, o, session.ID, types.TurnFailed)
}

func TestSubmitTurn_WritesResumeToken(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	ctx := context.Background()

	first := &fakeTransport{scripted: []*transport.Message{
		message(t, `{"type":"result","subtype":"success","session_id":"agent-1"}`),
	}}
	second := &fakeTransport{scripted: []*transport.Message{
		message(t, `{"type":"result","subtype":"success","session_id":"agent-1"}`),
	}}
	transports := []*fakeTransport{first, second}
	var captured []*transport.Options
	o.SetTransportFactory(func(_ sandbox.Sandbox, opts *transport.Options) transport.Transport {
		captured = append(captured, opts)
		tr := transports[0]
		transports = transports[1:]
		return tr
	})

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "one"}); err != nil {
		t.Fatalf("first SubmitTurn: %v", err)
	}
	waitSessionStatus(t, o, session.ID, types.TurnCompleted)

	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "two"}); err != nil {
		t.Fatalf("second SubmitTurn: %v", err)
	}
	waitSessionStatus(t, o, session.ID, types.TurnCompleted)

	if len(captured) != 2 {
		t.Fatalf("expected 2 transports, got %d", len(captured))
	}
	if captured[0].ResumeToken != "" {
		t.Errorf("first turn carried a resume token: %q", captured[0].ResumeToken)
	}
	if captured[1].ResumeToken != "agent-1" {
		t.Errorf("second turn missing resume token: %q", captured[1].ResumeToken)
	}
}

func TestRestoreCheckpoint_RefusedWhileRunning(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	ctx := context.Background()

	tr := &fakeTransport{block: true}
	o.SetTransportFactory(func(sandbox.Sandbox, *transport.Options) transport.Transport { return tr })

	session, err := o.CreateSession(ctx, "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := o.SubmitTurn(ctx, session.ID, TurnRequest{Prompt: "go"}); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}

	err = o.RestoreCheckpoint(ctx, session.ID, "ckpt-whatever")
	if !errors.Is(err, ErrTurnActive) {
		t.Errorf("expected ErrTurnActive, got %v", err)
	}

	if err := o.Interrupt(session.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitSessionStatus(t, o, session.ID, types.TurnInterrupted)
}

func TestRequestApproval_NoActiveTurn(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	session, err := o.CreateSession(context.Background(), "sb-test")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err = o.RequestApproval(context.Background(), session.ID, "Bash", nil)
	if err == nil {
		t.Error("expected error without an active turn")
	}
}

func TestSubmitTurn_UnknownSession(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{sb: &fakeSandbox{}})
	_, err := o.SubmitTurn(context.Background(), "missing", TurnRequest{Prompt: "x"})
	if !errors.Is(err, state.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
