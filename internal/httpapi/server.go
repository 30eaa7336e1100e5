// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/user/sandbridge/internal/checkpoint"
	"github.com/user/sandbridge/internal/orchestrator"
	"github.com/user/sandbridge/internal/permission"
	"github.com/user/sandbridge/internal/state"
	"github.com/user/sandbridge/internal/types"
)

// longPollWindow bounds how long a waiting events request stays open before
// returning whatever has accumulated.
const longPollWindow = 25 * time.Second

// Server exposes the bridge over HTTP. The permission endpoints are the
// callback surface for the tool-server running inside the sandbox; the rest
// serve clients driving sessions.
type Server struct {
	orch   *orchestrator.Orchestrator
	router *mux.Router
}

func NewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		orch:   orch,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/turns", s.handleSubmitTurn).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/interrupt", s.handleInterrupt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/checkpoints", s.handleListCheckpoints).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/checkpoints/{checkpoint}/restore", s.handleRestoreCheckpoint).Methods(http.MethodPost)
	api.HandleFunc("/permissions", s.handleSubmitPermission).Methods(http.MethodPost)
	api.HandleFunc("/permissions/{id}", s.handleGetPermission).Methods(http.MethodGet)
	api.HandleFunc("/permissions/{id}/wait", s.handleWaitPermission).Methods(http.MethodPost)
	api.HandleFunc("/permissions/{id}/respond", s.handleRespondPermission).Methods(http.MethodPost)

	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	SandboxID string `json:"sandbox_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SandboxID == "" {
		writeError(w, http.StatusBadRequest, "sandbox_id is required")
		return
	}

	session, err := s.orch.CreateSession(r.Context(), types.SandboxID(req.SandboxID))
	if err != nil {
		slog.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orch.ListSessions(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(mux.Vars(r)["id"])
	session, err := s.orch.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, state.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("get session failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type submitTurnRequest struct {
	Prompt             string `json:"prompt"`
	CustomInstructions string `json:"custom_instructions"`
	Model              string `json:"model"`
	PermissionMode     string `json:"permission_mode"`
	SystemPrompt       string `json:"system_prompt"`
	ThinkingMode       string `json:"thinking_mode"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(mux.Vars(r)["id"])

	var req submitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	turnID, err := s.orch.SubmitTurn(r.Context(), sessionID, orchestrator.TurnRequest{
		Prompt:             req.Prompt,
		CustomInstructions: req.CustomInstructions,
		Model:              req.Model,
		PermissionMode:     req.PermissionMode,
		SystemPrompt:       req.SystemPrompt,
		ThinkingMode:       req.ThinkingMode,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrTurnActive):
			writeError(w, http.StatusConflict, "turn already active")
		case errors.Is(err, state.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			slog.Error("submit turn failed", "session_id", string(sessionID), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"turn_id": string(turnID)})
}

// handleEvents serves the session's event log after a cursor. With
// wait=true the request long-polls: it holds until at least one event past
// the cursor exists, the stream ends, or the window elapses.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(mux.Vars(r)["id"])

	var after int64
	if q := r.URL.Query().Get("after"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after cursor")
			return
		}
		after = n
	}

	if r.URL.Query().Get("wait") != "true" {
		events, err := s.orch.Events(r.Context(), sessionID, after)
		if err != nil {
			slog.Error("read events failed", "session_id", string(sessionID), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if events == nil {
			events = []*types.Event{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), longPollWindow)
	defer cancel()

	ch, err := s.orch.Subscribe(ctx, sessionID, after)
	if err != nil {
		slog.Error("subscribe failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	events := []*types.Event{}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				writeJSON(w, http.StatusOK, events)
				return
			}
			events = append(events, ev)
			if len(events) == 1 {
				// First event past the cursor arrived; give the burst a
				// moment to land, then flush.
				drain := time.After(50 * time.Millisecond)
				for {
					select {
					case more, open := <-ch:
						if !open {
							writeJSON(w, http.StatusOK, events)
							return
						}
						events = append(events, more)
					case <-drain:
						writeJSON(w, http.StatusOK, events)
						return
					}
				}
			}
		case <-ctx.Done():
			writeJSON(w, http.StatusOK, events)
			return
		}
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(mux.Vars(r)["id"])
	if err := s.orch.Interrupt(sessionID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(mux.Vars(r)["id"])
	checkpoints, err := s.orch.ListCheckpoints(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, state.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("list checkpoints failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if checkpoints == nil {
		checkpoints = []types.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := types.SessionID(vars["id"])
	checkpointID := types.CheckpointID(vars["checkpoint"])

	err := s.orch.RestoreCheckpoint(r.Context(), sessionID, checkpointID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrTurnActive):
			writeError(w, http.StatusConflict, "turn active; interrupt before restoring")
		case errors.Is(err, checkpoint.ErrNotFound):
			writeError(w, http.StatusNotFound, "checkpoint not found")
		case errors.Is(err, state.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			slog.Error("restore checkpoint failed",
				"session_id", string(sessionID), "checkpoint_id", string(checkpointID), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

type submitPermissionRequest struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

func (s *Server) handleSubmitPermission(w http.ResponseWriter, r *http.Request) {
	var req submitPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "session_id and tool_name are required")
		return
	}

	perm, err := s.orch.RequestApproval(r.Context(), types.SessionID(req.SessionID), req.ToolName, req.ToolInput)
	if err != nil {
		slog.Error("permission request failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	requestID := types.RequestID(mux.Vars(r)["id"])
	perm, ok := s.orch.GetPermission(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown permission request")
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

// handleWaitPermission blocks until the request resolves. The tool-server
// inside the sandbox uses this instead of polling the GET endpoint.
func (s *Server) handleWaitPermission(w http.ResponseWriter, r *http.Request) {
	requestID := types.RequestID(mux.Vars(r)["id"])

	decision, err := s.orch.AwaitPermission(r.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, permission.ErrUnknownRequest):
			writeError(w, http.StatusNotFound, "unknown permission request")
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			// The wait window closed before a decision; the caller retries.
			writeError(w, http.StatusRequestTimeout, "no decision within the wait window")
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type respondPermissionRequest struct {
	Approved    bool   `json:"approved"`
	Alternative string `json:"alternative_instruction,omitempty"`
}

func (s *Server) handleRespondPermission(w http.ResponseWriter, r *http.Request) {
	requestID := types.RequestID(mux.Vars(r)["id"])

	var req respondPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	err := s.orch.ResolvePermission(requestID, types.Decision{
		Approved:    req.Approved,
		Alternative: req.Alternative,
	})
	if err != nil {
		switch {
		case errors.Is(err, permission.ErrUnknownRequest):
			writeError(w, http.StatusNotFound, "unknown permission request")
		case errors.Is(err, permission.ErrAlreadyResolved):
			writeError(w, http.StatusConflict, "request already resolved")
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
