// Package ws is the websocket transport. A connection authenticates once at
// upgrade; every command it sends afterwards acts as that principal.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
)

// Client commands.
const (
	CmdJoin             = "join"
	CmdLeave            = "leave"
	CmdMessage          = "message"
	CmdApprovalResponse = "approval_response"
)

// Control frame types. They are replies to commands, not turn events.
const (
	FrameAck          = "ack"
	FrameCommandError = "command_error"
)

// Authenticator maps a request's credentials to a principal.
type Authenticator interface {
	Authenticate(r *http.Request) (types.Principal, bool)
}

// Hub is the session membership registry.
type Hub interface {
	Join(ctx context.Context, conn broadcast.Conn, sessionID types.SessionID) error
	Leave(conn broadcast.Conn, sessionID types.SessionID)
	LeaveAll(conn broadcast.Conn)
}

// Submitter admits user messages as turns.
type Submitter interface {
	Submit(ctx context.Context, msg *types.InboundMessage) (*gateway.Run, error)
}

// Resolver decides approval requests.
type Resolver interface {
	Resolve(ctx context.Context, id types.ApprovalID, decision approval.Decision, principal types.Principal, reason string) (*types.ApprovalRequest, error)
}

// command is the union of every client command.
type command struct {
	Type           string           `json:"type"`
	SessionID      types.SessionID  `json:"sessionId"`
	Text           string           `json:"text"`
	Thinking       bool             `json:"thinking"`
	ThinkingBudget int              `json:"thinkingBudget"`
	ApprovalID     types.ApprovalID `json:"approvalId"`
	Decision       string           `json:"decision"`
	Reason         string           `json:"reason"`
}

type ackFrame struct {
	Type       string           `json:"type"`
	Command    string           `json:"command"`
	SessionID  types.SessionID  `json:"sessionId,omitempty"`
	TurnID     types.TurnID     `json:"turnId,omitempty"`
	ApprovalID types.ApprovalID `json:"approvalId,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Options tune the handler.
type Options struct {
	SendQueue      int
	AllowedOrigins []string
}

// Handler upgrades requests and runs one reader and one writer per client.
type Handler struct {
	auth     Authenticator
	hub      Hub
	turns    Submitter
	gate     Resolver
	upgrader websocket.Upgrader
	queue    int
}

func NewHandler(auth Authenticator, hub Hub, turns Submitter, gate Resolver, opts Options) *Handler {
	h := &Handler{
		auth:  auth,
		hub:   hub,
		turns: turns,
		gate:  gate,
		queue: opts.SendQueue,
	}
	if h.queue <= 0 {
		h.queue = 256
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(opts.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.auth.Authenticate(r)
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), principal, socket, h.queue)
	slog.Info("websocket connected", "conn_id", c.id, "principal", string(principal))
	go c.writeLoop()
	h.readLoop(c)

	h.hub.LeaveAll(c)
	c.close()
	slog.Info("websocket disconnected", "conn_id", c.id)
}

func (h *Handler) readLoop(c *conn) {
	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			slog.Warn("ignoring malformed command", "conn_id", c.id, "error", err)
			continue
		}
		h.dispatch(c, &cmd)
	}
}

func (h *Handler) dispatch(c *conn, cmd *command) {
	ctx := context.Background()
	log := slog.With("conn_id", c.id, "command", cmd.Type)

	switch cmd.Type {
	case CmdJoin:
		if cmd.SessionID == "" {
			log.Warn("join without sessionId")
			return
		}
		if err := h.hub.Join(ctx, c, cmd.SessionID); err != nil {
			c.reply(commandError(cmd.Type, joinCode(err), err))
			return
		}
		c.reply(ackFrame{Type: FrameAck, Command: cmd.Type, SessionID: cmd.SessionID})

	case CmdLeave:
		if cmd.SessionID == "" {
			log.Warn("leave without sessionId")
			return
		}
		h.hub.Leave(c, cmd.SessionID)
		c.reply(ackFrame{Type: FrameAck, Command: cmd.Type, SessionID: cmd.SessionID})

	case CmdMessage:
		if cmd.SessionID == "" || cmd.Text == "" {
			log.Warn("message without sessionId or text")
			return
		}
		run, err := h.turns.Submit(ctx, &types.InboundMessage{
			Source:         "ws",
			SessionID:      cmd.SessionID,
			Principal:      c.principal,
			Text:           cmd.Text,
			Thinking:       cmd.Thinking,
			ThinkingBudget: cmd.ThinkingBudget,
		})
		if err != nil {
			c.reply(commandError(cmd.Type, submitCode(err), err))
			return
		}
		c.reply(ackFrame{Type: FrameAck, Command: cmd.Type, SessionID: cmd.SessionID, TurnID: run.ID})

	case CmdApprovalResponse:
		if cmd.ApprovalID == "" || cmd.Decision == "" {
			log.Warn("approval_response without approvalId or decision")
			return
		}
		decision, err := approval.ParseDecision(cmd.Decision)
		if err != nil {
			log.Warn("ignoring approval_response", "error", err)
			return
		}
		if _, err := h.gate.Resolve(ctx, cmd.ApprovalID, decision, c.principal, cmd.Reason); err != nil {
			code := string(approval.CodeOf(err))
			if code == "" {
				code = "internal"
			}
			c.reply(commandError(cmd.Type, code, err))
			return
		}
		c.reply(ackFrame{Type: FrameAck, Command: cmd.Type, ApprovalID: cmd.ApprovalID})

	default:
		log.Warn("ignoring unknown command")
	}
}

func commandError(command, code string, err error) errorFrame {
	return errorFrame{Type: FrameCommandError, Command: command, Code: code, Message: err.Error()}
}

func joinCode(err error) string {
	switch {
	case errors.Is(err, broadcast.ErrNotOwner):
		return "forbidden"
	case errors.Is(err, broadcast.ErrUnknownSession):
		return "not_found"
	default:
		return "internal"
	}
}

func submitCode(err error) string {
	switch {
	case errors.Is(err, gateway.ErrNotOwner):
		return "forbidden"
	case errors.Is(err, gateway.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, gateway.ErrArchived):
		return "archived"
	case errors.Is(err, gateway.ErrEmptyMessage):
		return "invalid"
	default:
		return "internal"
	}
}
