// Package telegram bridges Telegram chats to sessions. Each chat joins its
// session like any other connection and renders the turn events it receives.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
)

const (
	maxTelegramMessage = 4096
	outboxSize         = 256
)

// ErrOutboxFull is returned by a chat connection when replies back up.
var ErrOutboxFull = errors.New("telegram outbox full")

// Turns resolves chat sessions and admits messages.
type Turns interface {
	Resolve(ctx context.Context, key types.SessionKey, principal types.Principal) (types.SessionID, error)
	Submit(ctx context.Context, msg *types.InboundMessage) (*gateway.Run, error)
}

// Hub is the session membership registry.
type Hub interface {
	Join(ctx context.Context, conn broadcast.Conn, sessionID types.SessionID) error
	Leave(conn broadcast.Conn, sessionID types.SessionID)
}

// Approvals decides approval requests.
type Approvals interface {
	Resolve(ctx context.Context, id types.ApprovalID, decision approval.Decision, principal types.Principal, reason string) (*types.ApprovalRequest, error)
}

// Sessions is the slice of the session store the adapter needs.
type Sessions interface {
	Archive(ctx context.Context, id types.SessionID) error
}

// Counter reports how many persisted events a session has.
type Counter interface {
	MaxSeq(ctx context.Context, sessionID types.SessionID) (int64, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type outgoing struct {
	chatID int64
	text   string
}

// Deps wires an Adapter.
type Deps struct {
	Turns     Turns
	Hub       Hub
	Approvals Approvals
	Sessions  Sessions
	Events    Counter
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	send   sender
	deps   Deps
	outbox chan outgoing
}

// New creates a Telegram adapter.
func New(token string, deps Deps) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, deps)
	a.bot = bot
	return a, nil
}

func newAdapter(s sender, deps Deps) *Adapter {
	return &Adapter{
		send:   s,
		deps:   deps,
		outbox: make(chan outgoing, outboxSize),
	}
}

// Start begins long-polling for Telegram updates. It returns when ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	go a.deliver(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" || update.Message.From == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// deliver drains the outbox so Send never waits on the Telegram API.
func (a *Adapter) deliver(ctx context.Context) {
	for {
		select {
		case out := <-a.outbox:
			a.sendResponse(out.chatID, out.text)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) enqueue(chatID int64, text string) error {
	select {
	case a.outbox <- outgoing{chatID: chatID, text: text}:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	principal := principalOf(msg.From.ID)
	sessionID, err := a.joinChat(ctx, msg)
	if err != nil {
		slog.Error("resolve chat session", "chat_id", chatID, "error", err)
		a.reply(chatID, "Sorry, I couldn't open a session for this chat.")
		return
	}

	_, err = a.deps.Turns.Submit(ctx, &types.InboundMessage{
		Source:    "telegram",
		SessionID: sessionID,
		Principal: principal,
		Text:      msg.Text,
	})
	switch {
	case errors.Is(err, gateway.ErrQueueFull):
		a.reply(chatID, "I'm still working on your earlier messages. Try again shortly.")
	case err != nil:
		slog.Error("submit message", "session_id", string(sessionID), "error", err)
		a.reply(chatID, "Sorry, I encountered an error processing your message.")
	}
}

// joinChat resolves the chat's session and makes sure the chat receives its
// events.
func (a *Adapter) joinChat(ctx context.Context, msg *tgbotapi.Message) (types.SessionID, error) {
	principal := principalOf(msg.From.ID)
	sessionID, err := a.deps.Turns.Resolve(ctx, buildSessionKey(msg.From.ID, msg.Chat.ID), principal)
	if err != nil {
		return "", err
	}
	if err := a.deps.Hub.Join(ctx, a.chat(msg.Chat.ID, principal), sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	principal := principalOf(msg.From.ID)

	switch msg.Command() {
	case "start":
		a.reply(chatID, "Hello! I'm Turnstile. Send me a message to get started. I'll ask before running anything that changes things.")

	case "new":
		sessionID, err := a.deps.Turns.Resolve(ctx, buildSessionKey(msg.From.ID, msg.Chat.ID), principal)
		if err == nil {
			a.deps.Hub.Leave(a.chat(chatID, principal), sessionID)
			err = a.deps.Sessions.Archive(ctx, sessionID)
		}
		if err != nil {
			slog.Error("archive chat session", "chat_id", chatID, "error", err)
			a.reply(chatID, "Error starting a new session.")
			return
		}
		a.reply(chatID, "Starting a new session. Previous conversation has been archived.")

	case "status":
		sessionID, err := a.joinChat(ctx, msg)
		if err != nil {
			a.reply(chatID, "Error fetching status.")
			return
		}
		count, err := a.deps.Events.MaxSeq(ctx, sessionID)
		if err != nil {
			a.reply(chatID, "Error fetching status.")
			return
		}
		a.reply(chatID, fmt.Sprintf("Session: %s\nEvents: %d", sessionID, count))

	case "approve", "reject":
		a.handleDecision(ctx, msg, principal)

	default:
		a.reply(chatID, "Unknown command. Available: /start, /new, /status, /approve <id>, /reject <id> [reason]")
	}
}

func (a *Adapter) handleDecision(ctx context.Context, msg *tgbotapi.Message, principal types.Principal) {
	chatID := msg.Chat.ID
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		a.reply(chatID, fmt.Sprintf("Usage: /%s <approval id>", msg.Command()))
		return
	}
	decision := approval.Approved
	if msg.Command() == "reject" {
		decision = approval.Rejected
	}
	id := types.ApprovalID(args[0])
	reason := strings.Join(args[1:], " ")

	_, err := a.deps.Approvals.Resolve(ctx, id, decision, principal, reason)
	switch approval.CodeOf(err) {
	case "":
		if err != nil {
			slog.Error("resolve approval", "approval_id", string(id), "error", err)
			a.reply(chatID, "Error recording your decision.")
		}
		// Success is confirmed by the approval_resolved event.
	case approval.CodeNotFound, approval.CodeUnauthorized:
		a.reply(chatID, "No such approval request.")
	case approval.CodeAlreadyResolved:
		a.reply(chatID, "That request was already decided.")
	case approval.CodeExpired:
		a.reply(chatID, "That request has expired.")
	}
}

func (a *Adapter) reply(chatID int64, text string) {
	if err := a.enqueue(chatID, text); err != nil {
		slog.Warn("drop telegram reply", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.send.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.send.Send(msg); err != nil {
				slog.Error("send telegram message", "chat_id", chatID, "error", err)
			}
		}
	}
}

// chatConn is a chat joined to a session.
type chatConn struct {
	a         *Adapter
	chatID    int64
	principal types.Principal
}

func (a *Adapter) chat(chatID int64, principal types.Principal) *chatConn {
	return &chatConn{a: a, chatID: chatID, principal: principal}
}

func (c *chatConn) ID() string                 { return "telegram:" + strconv.FormatInt(c.chatID, 10) }
func (c *chatConn) Principal() types.Principal { return c.principal }

func (c *chatConn) Send(ev *types.Event) error {
	text := render(ev)
	if text == "" {
		return nil
	}
	return c.a.enqueue(c.chatID, text)
}

// render turns an event into chat text. Events a chat has no use for
// render as "".
func render(ev *types.Event) string {
	switch ev.Type {
	case events.TypeMessage:
		var p events.Message
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ""
		}
		return p.Text
	case events.TypeApprovalRequested:
		var p events.ApprovalRequested
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ""
		}
		return fmt.Sprintf("Approval needed to run %s:\n%s\n\n/approve %s\n/reject %s",
			p.ToolName, clip(string(p.ToolArgs), 1000), p.ApprovalID, p.ApprovalID)
	case events.TypeApprovalResolved:
		var p events.ApprovalResolved
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ""
		}
		return fmt.Sprintf("Request %s: %s", p.ApprovalID, p.Status)
	case events.TypeToolResult:
		var p events.ToolResult
		if json.Unmarshal(ev.Payload, &p) != nil || p.Success {
			return ""
		}
		return fmt.Sprintf("%s did not run successfully: %s", p.Name, clip(p.Result, 500))
	case events.TypeError:
		var p events.Error
		if json.Unmarshal(ev.Payload, &p) != nil {
			return "Sorry, something went wrong."
		}
		return fmt.Sprintf("Sorry, something went wrong (%s).", p.Code)
	case events.TypeComplete:
		var p events.Complete
		if json.Unmarshal(ev.Payload, &p) == nil && p.Reason == "max_tokens" {
			return "(response cut short: output limit reached)"
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func principalOf(userID int64) types.Principal {
	return types.Principal("telegram:" + strconv.FormatInt(userID, 10))
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}
