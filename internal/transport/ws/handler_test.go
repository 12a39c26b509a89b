package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

type tokenAuth map[string]types.Principal

func (a tokenAuth) Authenticate(r *http.Request) (types.Principal, bool) {
	p, ok := a[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	return p, ok
}

type fakeSubmitter struct {
	mu   sync.Mutex
	msgs []*types.InboundMessage
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, msg *types.InboundMessage) (*gateway.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return gateway.NewRun(msg), nil
}

func (f *fakeSubmitter) last() *types.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil
	}
	return f.msgs[len(f.msgs)-1]
}

type fakeResolver struct {
	mu        sync.Mutex
	principal types.Principal
	err       error
}

func (f *fakeResolver) Resolve(_ context.Context, id types.ApprovalID, _ approval.Decision, p types.Principal, _ string) (*types.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principal = p
	if f.err != nil {
		return nil, f.err
	}
	return &types.ApprovalRequest{ID: id}, nil
}

type wsFixture struct {
	srv     *httptest.Server
	hub     *broadcast.Broadcaster
	turns   *fakeSubmitter
	gate    *fakeResolver
	session types.SessionID
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sess, err := store.Create(context.Background(), "alice")
	require.NoError(t, err)

	f := &wsFixture{
		hub:     broadcast.New(store, nil),
		turns:   &fakeSubmitter{},
		gate:    &fakeResolver{},
		session: sess.ID,
	}
	auth := tokenAuth{"alice-token": "alice", "bob-token": "bob"}
	f.srv = httptest.NewServer(NewHandler(auth, f.hub, f.turns, f.gate, Options{}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	c, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func TestUpgradeRequiresToken(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinReceivesSessionEvents(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t, "alice-token")

	send(t, c, command{Type: CmdJoin, SessionID: f.session})
	ack := readFrame(t, c)
	assert.Equal(t, FrameAck, ack["type"])
	assert.Equal(t, string(f.session), ack["sessionId"])

	seq := int64(1)
	f.hub.Broadcast(f.session, &types.Event{
		ID:          "e1",
		Type:        "user_message_confirmed",
		SessionID:   f.session,
		Persistence: types.Persisted,
		Seq:         &seq,
		Payload:     json.RawMessage(`{"text":"hi"}`),
	})
	ev := readFrame(t, c)
	assert.Equal(t, "user_message_confirmed", ev["type"])
	assert.Equal(t, "persisted", ev["persistenceState"])
	assert.EqualValues(t, 1, ev["sequenceNumber"])
}

func TestJoinForeignSessionRejected(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t, "bob-token")

	send(t, c, command{Type: CmdJoin, SessionID: f.session})
	frame := readFrame(t, c)
	assert.Equal(t, FrameCommandError, frame["type"])
	assert.Equal(t, "forbidden", frame["code"])
	assert.Equal(t, 0, f.hub.Members(f.session))
}

func TestMalformedCommandsAreIgnored(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t, "alice-token")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, c, map[string]any{"type": "message"})
	send(t, c, map[string]any{"type": "bogus"})
	send(t, c, map[string]any{"type": "approval_response", "approvalId": "a1", "decision": "maybe"})

	// The connection survives and still answers.
	send(t, c, command{Type: CmdJoin, SessionID: f.session})
	ack := readFrame(t, c)
	assert.Equal(t, FrameAck, ack["type"])
	assert.Equal(t, CmdJoin, ack["command"])
	assert.Nil(t, f.turns.last())
}

func TestMessageUsesConnectionPrincipal(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t, "alice-token")

	send(t, c, map[string]any{
		"type":           "message",
		"sessionId":      f.session,
		"text":           "hello",
		"thinking":       true,
		"thinkingBudget": 2048,
		"principal":      "mallory",
	})
	ack := readFrame(t, c)
	assert.Equal(t, FrameAck, ack["type"])
	assert.NotEmpty(t, ack["turnId"])

	msg := f.turns.last()
	require.NotNil(t, msg)
	assert.Equal(t, types.Principal("alice"), msg.Principal)
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, msg.Thinking)
	assert.Equal(t, 2048, msg.ThinkingBudget)
}

func TestMessageQueueFull(t *testing.T) {
	f := newWSFixture(t)
	f.turns.err = gateway.ErrQueueFull
	c := f.dial(t, "alice-token")

	send(t, c, command{Type: CmdMessage, SessionID: f.session, Text: "hi"})
	frame := readFrame(t, c)
	assert.Equal(t, FrameCommandError, frame["type"])
	assert.Equal(t, "queue_full", frame["code"])
}

func TestApprovalResponse(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t, "alice-token")

	send(t, c, command{Type: CmdApprovalResponse, ApprovalID: "a1", Decision: "approved"})
	ack := readFrame(t, c)
	assert.Equal(t, FrameAck, ack["type"])
	assert.Equal(t, "a1", ack["approvalId"])

	f.gate.mu.Lock()
	assert.Equal(t, types.Principal("alice"), f.gate.principal)
	f.gate.err = approval.ErrAlreadyResolved
	f.gate.mu.Unlock()

	send(t, c, command{Type: CmdApprovalResponse, ApprovalID: "a1", Decision: "rejected"})
	frame := readFrame(t, c)
	assert.Equal(t, FrameCommandError, frame["type"])
	assert.Equal(t, "ALREADY_RESOLVED", frame["code"])
}

func TestDisconnectLeavesSessions(t *testing.T) {
	f := newWSFixture(t)
	c := f.dial(t, "alice-token")

	send(t, c, command{Type: CmdJoin, SessionID: f.session})
	readFrame(t, c)
	require.Equal(t, 1, f.hub.Members(f.session))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return f.hub.Members(f.session) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	c := newConn("c1", "alice", nil, 1)
	require.NoError(t, c.Send(&types.Event{Type: "message_chunk"}))
	assert.ErrorIs(t, c.Send(&types.Event{Type: "message_chunk"}), ErrSlowConsumer)
	assert.ErrorIs(t, c.Send(&types.Event{Type: "message_chunk"}), ErrClosed)
}
