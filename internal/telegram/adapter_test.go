package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
)

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestBuildSessionKey(t *testing.T) {
	key := buildSessionKey(12345, 67890)
	if string(key) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", key)
	}
}

type fakeTurns struct {
	submitted []*types.InboundMessage
	err       error
}

func (f *fakeTurns) Resolve(_ context.Context, key types.SessionKey, principal types.Principal) (types.SessionID, error) {
	return types.SessionID("sess-" + string(key)), nil
}

func (f *fakeTurns) Submit(_ context.Context, msg *types.InboundMessage) (*gateway.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, msg)
	return gateway.NewRun(msg), nil
}

type fakeHub struct {
	joined map[types.SessionID]broadcast.Conn
}

func (h *fakeHub) Join(_ context.Context, c broadcast.Conn, sid types.SessionID) error {
	h.joined[sid] = c
	return nil
}

func (h *fakeHub) Leave(_ broadcast.Conn, sid types.SessionID) { delete(h.joined, sid) }

type fakeApprovals struct {
	id        types.ApprovalID
	decision  approval.Decision
	principal types.Principal
	reason    string
	err       error
}

func (f *fakeApprovals) Resolve(_ context.Context, id types.ApprovalID, d approval.Decision, p types.Principal, reason string) (*types.ApprovalRequest, error) {
	f.id, f.decision, f.principal, f.reason = id, d, p, reason
	return &types.ApprovalRequest{ID: id}, f.err
}

type fakeSessions struct{ archived []types.SessionID }

func (f *fakeSessions) Archive(_ context.Context, id types.SessionID) error {
	f.archived = append(f.archived, id)
	return nil
}

type fakeCounter struct{}

func (fakeCounter) MaxSeq(context.Context, types.SessionID) (int64, error) { return 7, nil }

type testBot struct {
	adapter   *Adapter
	turns     *fakeTurns
	hub       *fakeHub
	approvals *fakeApprovals
	sessions  *fakeSessions
}

func newTestBot() *testBot {
	b := &testBot{
		turns:     &fakeTurns{},
		hub:       &fakeHub{joined: map[types.SessionID]broadcast.Conn{}},
		approvals: &fakeApprovals{},
		sessions:  &fakeSessions{},
	}
	b.adapter = newAdapter(nil, Deps{
		Turns:     b.turns,
		Hub:       b.hub,
		Approvals: b.approvals,
		Sessions:  b.sessions,
		Events:    fakeCounter{},
	})
	return b
}

// replies drains what the adapter queued for sending.
func (b *testBot) replies() []string {
	var out []string
	for {
		select {
		case o := <-b.adapter.outbox:
			out = append(out, o.text)
		default:
			return out
		}
	}
}

func textMessage(text string) *tgbotapi.Message {
	msg := &tgbotapi.Message{
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: 99},
		Text: text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.Fields(text)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return msg
}

func TestMessageJoinsAndSubmits(t *testing.T) {
	b := newTestBot()
	b.adapter.handleMessage(context.Background(), textMessage("hello"))

	if len(b.turns.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(b.turns.submitted))
	}
	got := b.turns.submitted[0]
	if got.Principal != "telegram:42" {
		t.Errorf("expected principal telegram:42, got %q", got.Principal)
	}
	if got.SessionID != "sess-telegram:42:99" {
		t.Errorf("unexpected session %q", got.SessionID)
	}
	conn, ok := b.hub.joined[got.SessionID]
	if !ok {
		t.Fatal("chat should join its session")
	}
	if conn.Principal() != "telegram:42" || conn.ID() != "telegram:99" {
		t.Errorf("unexpected chat connection %s/%s", conn.ID(), conn.Principal())
	}
}

func TestMessageQueueFullReply(t *testing.T) {
	b := newTestBot()
	b.turns.err = gateway.ErrQueueFull
	b.adapter.handleMessage(context.Background(), textMessage("hello"))

	replies := b.replies()
	if len(replies) != 1 || !strings.Contains(replies[0], "still working") {
		t.Errorf("unexpected replies %q", replies)
	}
}

func TestApproveCommand(t *testing.T) {
	b := newTestBot()
	b.adapter.handleMessage(context.Background(), textMessage("/reject abc-123 not now please"))

	if b.approvals.id != "abc-123" || b.approvals.decision != approval.Rejected {
		t.Errorf("unexpected resolution %+v", b.approvals)
	}
	if b.approvals.principal != "telegram:42" {
		t.Errorf("decision must carry the sender's principal, got %q", b.approvals.principal)
	}
	if b.approvals.reason != "not now please" {
		t.Errorf("unexpected reason %q", b.approvals.reason)
	}
	if r := b.replies(); len(r) != 0 {
		t.Errorf("success is confirmed by the event stream, got %q", r)
	}
}

func TestApproveCommandErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{approval.ErrAlreadyResolved, "already decided"},
		{approval.ErrExpired, "expired"},
		{approval.ErrUnauthorized, "No such approval"},
	}
	for _, tt := range tests {
		b := newTestBot()
		b.approvals.err = tt.err
		b.adapter.handleMessage(context.Background(), textMessage("/approve abc"))
		r := b.replies()
		if len(r) != 1 || !strings.Contains(r[0], tt.want) {
			t.Errorf("%v: expected reply containing %q, got %q", tt.err, tt.want, r)
		}
	}

	b := newTestBot()
	b.adapter.handleMessage(context.Background(), textMessage("/approve"))
	if r := b.replies(); len(r) != 1 || !strings.Contains(r[0], "Usage") {
		t.Errorf("expected usage, got %q", r)
	}
}

func TestNewCommandArchives(t *testing.T) {
	b := newTestBot()
	b.adapter.handleMessage(context.Background(), textMessage("/new"))
	if len(b.sessions.archived) != 1 || b.sessions.archived[0] != "sess-telegram:42:99" {
		t.Errorf("unexpected archive calls %v", b.sessions.archived)
	}
}

func TestStatusCommand(t *testing.T) {
	b := newTestBot()
	b.adapter.handleMessage(context.Background(), textMessage("/status"))
	r := b.replies()
	if len(r) != 1 || !strings.Contains(r[0], "Events: 7") {
		t.Errorf("unexpected status reply %q", r)
	}
}

func TestRender(t *testing.T) {
	ev := func(typ string, payload any) *types.Event {
		raw, _ := json.Marshal(payload)
		return &types.Event{Type: typ, Payload: raw}
	}
	tests := []struct {
		name string
		ev   *types.Event
		want string
	}{
		{"message", ev(events.TypeMessage, events.Message{Text: "hi"}), "hi"},
		{"chunk", ev(events.TypeMessageChunk, events.Chunk{Delta: "h"}), ""},
		{"approval", ev(events.TypeApprovalRequested, events.ApprovalRequested{ApprovalID: "a1", ToolName: "bash"}), "/approve a1"},
		{"tool ok", ev(events.TypeToolResult, events.ToolResult{Name: "bash", Success: true}), ""},
		{"tool failed", ev(events.TypeToolResult, events.ToolResult{Name: "bash", Result: "boom"}), "bash did not run"},
		{"error", ev(events.TypeError, events.Error{Code: "rate_limited"}), "rate_limited"},
		{"complete", ev(events.TypeComplete, events.Complete{Reason: "end_turn"}), ""},
		{"truncated", ev(events.TypeComplete, events.Complete{Reason: "max_tokens"}), "cut short"},
	}
	for _, tt := range tests {
		got := render(tt.ev)
		if tt.want == "" && got != "" {
			t.Errorf("%s: expected nothing, got %q", tt.name, got)
		}
		if tt.want != "" && !strings.Contains(got, tt.want) {
			t.Errorf("%s: expected %q in %q", tt.name, tt.want, got)
		}
	}
}

func TestChatConnOutboxFull(t *testing.T) {
	b := newTestBot()
	c := b.adapter.chat(1, "telegram:1")
	msg := &types.Event{Type: events.TypeMessage, Payload: json.RawMessage(`{"text":"x"}`)}
	for i := 0; i < outboxSize; i++ {
		if err := c.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := c.Send(msg); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("expected ErrOutboxFull, got %v", err)
	}
}
