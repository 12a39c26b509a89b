// Package httpapi is the HTTP surface: health, session and replay
// endpoints, approval lookup and the websocket mount.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/transport/ws"
	"github.com/user/turnstile/internal/types"
)

// Approvals reads and decides approval requests on behalf of a principal.
type Approvals interface {
	Get(ctx context.Context, id types.ApprovalID, principal types.Principal) (*types.ApprovalRequest, error)
	Resolve(ctx context.Context, id types.ApprovalID, decision approval.Decision, principal types.Principal, reason string) (*types.ApprovalRequest, error)
}

// Server is the HTTP handler for the API.
type Server struct {
	auth      *TokenAuth
	sessions  types.SessionStore
	events    types.EventStore
	approvals Approvals
	mux       *http.ServeMux
}

// NewServer creates a Server. socket may be nil to disable /ws.
func NewServer(auth *TokenAuth, sessions types.SessionStore, events types.EventStore, approvals Approvals, socket *ws.Handler) *Server {
	s := &Server{
		auth:      auth,
		sessions:  sessions,
		events:    events,
		approvals: approvals,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sessions", s.authed(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions", s.authed(s.handleListSessions))
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.authed(s.handleSessionEvents))
	s.mux.HandleFunc("GET /api/approvals/{id}", s.authed(s.handleGetApproval))
	s.mux.HandleFunc("POST /api/approvals/{id}", s.authed(s.handleResolveApproval))
	if socket != nil {
		s.mux.Handle("GET /ws", socket)
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, principal types.Principal)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.auth.Authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r, principal)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, principal types.Principal) {
	sess, err := s.sessions.Create(r.Context(), principal)
	if err != nil {
		slog.Error("create session failed", "principal", string(principal), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, principal types.Principal) {
	sessions, err := s.sessions.List(r.Context(), principal)
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

// handleSessionEvents replays persisted events after a sequence number.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, principal types.Principal) {
	sessionID := types.SessionID(r.PathValue("id"))
	owner, err := s.sessions.Owner(r.Context(), sessionID)
	if errors.Is(err, state.ErrNotFound) || (err == nil && owner != principal) {
		// Someone else's session looks the same as a missing one.
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("load session owner failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var after int64
	if q := r.URL.Query().Get("after"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.events.ListEvents(r.Context(), sessionID, after, limit)
	if err != nil {
		slog.Error("list events failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request, principal types.Principal) {
	req, err := s.approvals.Get(r.Context(), types.ApprovalID(r.PathValue("id")), principal)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request, principal types.Principal) {
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	decision, err := approval.ParseDecision(body.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.approvals.Resolve(r.Context(), types.ApprovalID(r.PathValue("id")), decision, principal, body.Reason)
	if err != nil {
		writeApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func writeApprovalError(w http.ResponseWriter, err error) {
	code := approval.CodeOf(err)
	switch code {
	case approval.CodeNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "code": string(code)})
	case approval.CodeUnauthorized:
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error(), "code": string(code)})
	case approval.CodeAlreadyResolved, approval.CodeExpired:
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": string(code)})
	default:
		slog.Error("approval request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
