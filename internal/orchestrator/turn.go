// internal/orchestrator/turn.go
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/sandbridge/internal/sandbox"
	"github.com/user/sandbridge/internal/tracker"
	"github.com/user/sandbridge/internal/transport"
	"github.com/user/sandbridge/internal/types"
)

// runTurn is the single writer task for a session's turn. It owns the
// transport and is the only goroutine publishing this turn's events.
func (o *Orchestrator) runTurn(session *types.Session, turn *activeTurn, req TurnRequest) {
	ctx := context.Background()
	defer o.clearActive(session.ID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	prompt := PreparePrompt(req.Prompt, req.CustomInstructions)
	o.publishPayload(ctx, session.ID, turn.turnID, types.EventUserEcho, map[string]any{
		"text": prompt,
	})

	sb, err := o.provider.Sandbox(ctx, session.SandboxID)
	if err != nil {
		o.failTurn(ctx, session, turn, "sandbox unavailable: "+err.Error())
		return
	}

	tr := o.newTranport(sb, o.buildOptions(session, req))

	turn.mu.Lock()
	turn.transport = tr
	turn.mu.Unlock()

	if err := tr.Connect(ctx); err != nil {
		o.failTurn(ctx, session, turn, "transport connect: "+err.Error())
		return
	}

	if err := tr.Write(ctx, transport.NewUserTurn(prompt, session.ResumeToken)); err != nil {
		if closeErr := tr.Close(); closeErr != nil {
			slog.Warn("transport close failed", "session_id", string(session.ID), "error", closeErr)
		}
		o.failTurn(ctx, session, turn, "write turn: "+err.Error())
		return
	}

	watcherDone := make(chan struct{})
	go o.watchCancellation(session.ID, turn, watcherDone)
	defer close(watcherDone)

	track := tracker.New(session.ID, turn.turnID)
	resultSeen := false
	resultErr := false

	for msg := range tr.Messages() {
		// The process reports its own conversation id; store it as the
		// resume token for the next transport.
		if msg.SessionID != "" {
			session.ResumeToken = msg.SessionID
		}

		if msg.Type == "result" {
			resultSeen = true
			resultErr = msg.IsError
			if err := tr.Close(); err != nil {
				slog.Warn("transport close failed", "session_id", string(session.ID), "error", err)
			}
			// Keep draining: trailing messages after the result are
			// observed as trailing events, never dropped.
			continue
		}

		for _, event := range track.Observe(msg) {
			o.publish(ctx, event)
		}
	}

	if err := tr.Close(); err != nil {
		slog.Warn("transport close failed", "session_id", string(session.ID), "error", err)
	}

	o.finalizeTurn(ctx, session, turn, sb, resultSeen, resultErr)
}

// watchCancellation polls the interrupt flag at a short fixed interval. On
// cancellation it stops further input and closes the transport; finalization
// happens in the writer task once the message stream ends, under the same
// per-turn lock as checkpoint creation.
func (o *Orchestrator) watchCancellation(sessionID types.SessionID, turn *activeTurn, done <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			turn.mu.Lock()
			cancelled := turn.cancelled && !turn.finalized
			tr := turn.transport
			turn.mu.Unlock()

			if cancelled && tr != nil {
				if err := tr.Close(); err != nil {
					slog.Warn("transport close on cancel failed",
						"session_id", string(sessionID), "error", err)
				}
				return
			}
		}
	}
}

// finalizeTurn publishes exactly one terminal event and, for completed turns,
// creates the checkpoint. The per-turn lock makes this mutually exclusive
// with cancellation teardown.
func (o *Orchestrator) finalizeTurn(ctx context.Context, session *types.Session, turn *activeTurn, sb sandbox.Sandbox, resultSeen, resultErr bool) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	if turn.finalized {
		return
	}
	turn.finalized = true

	var status types.TurnStatus
	var kind types.EventKind
	switch {
	case turn.cancelled:
		status = types.TurnInterrupted
		kind = types.EventTurnInterrupted
	case !resultSeen || resultErr:
		status = types.TurnFailed
		kind = types.EventTurnFailed
	default:
		status = types.TurnCompleted
		kind = types.EventTurnCompleted
	}

	if status == types.TurnCompleted {
		var parent types.CheckpointID
		if n := len(session.Checkpoints); n > 0 {
			parent = session.Checkpoints[n-1].ID
		}
		cp, err := o.checkpoints.Create(ctx, sb, turn.turnID, parent)
		if err != nil {
			slog.Warn("checkpoint creation failed",
				"session_id", string(session.ID), "turn_id", string(turn.turnID), "error", err)
		} else {
			session.Checkpoints = append(session.Checkpoints, *cp)
		}
	}

	o.publishPayload(ctx, session.ID, turn.turnID, kind, map[string]any{
		"status": string(status),
	})

	if o.estimator != nil {
		if events, err := o.stream.ReadAfter(ctx, session.ID, 0); err == nil {
			session.TokenEstimate = o.estimator.EstimateEvents(events)
		}
	}

	session.TurnStatus = status
	if seq, err := o.stream.LastSeq(ctx, session.ID); err == nil {
		session.LastEventSeq = seq
	}
	if err := o.sessions.Update(ctx, session); err != nil {
		slog.Error("failed to update session after turn",
			"session_id", string(session.ID), "error", err)
	}
}

// failTurn finalizes a turn that never produced a message stream. The
// failure event payload carries the reason; the terminal event still reaches
// subscribers so none of them block forever.
func (o *Orchestrator) failTurn(ctx context.Context, session *types.Session, turn *activeTurn, reason string) {
	turn.mu.Lock()
	if turn.finalized {
		turn.mu.Unlock()
		return
	}
	turn.finalized = true
	turn.mu.Unlock()

	slog.Error("turn failed", "session_id", string(session.ID), "turn_id", string(turn.turnID), "reason", reason)

	o.publishPayload(ctx, session.ID, turn.turnID, types.EventTurnFailed, map[string]any{
		"status": string(types.TurnFailed),
		"error":  reason,
	})

	session.TurnStatus = types.TurnFailed
	if err := o.sessions.Update(ctx, session); err != nil {
		slog.Error("failed to update session after turn failure",
			"session_id", string(session.ID), "error", err)
	}
}

// buildOptions assembles the process invocation for a turn. The permission
// tool-server runs inside the sandbox and calls back to the HTTP boundary;
// its descriptor travels in the --mcp-config flag.
func (o *Orchestrator) buildOptions(session *types.Session, req TurnRequest) *transport.Options {
	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	systemPrompt := o.cfg.SystemPrompt
	appendPrompt := true
	if req.SystemPrompt != "" {
		systemPrompt = req.SystemPrompt
		appendPrompt = false
	}

	opts := &transport.Options{
		Binary:             o.cfg.AgentBinary,
		Model:              model,
		PermissionMode:     req.PermissionMode,
		SystemPrompt:       systemPrompt,
		SystemPromptAppend: appendPrompt,
		ThinkingMode:       req.ThinkingMode,
		ResumeToken:        session.ResumeToken,
	}

	if o.cfg.PermissionAPIURL != "" && len(o.cfg.PermissionCommand) > 0 {
		opts.PermissionTool = "mcp__permission__approval_prompt"
		opts.MCPServers = map[string]transport.MCPServer{
			"permission": {
				Command: o.cfg.PermissionCommand[0],
				Args:    o.cfg.PermissionCommand[1:],
				Env: map[string]string{
					"API_BASE_URL":    o.cfg.PermissionAPIURL,
					"SESSION_ID":      string(session.ID),
					"PERMISSION_MODE": req.PermissionMode,
				},
			},
		}
	}

	return opts
}
