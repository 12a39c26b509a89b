package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

type fakeConn struct {
	id        string
	principal types.Principal
	fail      bool

	mu     sync.Mutex
	events []*types.Event
}

func (c *fakeConn) ID() string                 { return c.id }
func (c *fakeConn) Principal() types.Principal { return c.principal }

func (c *fakeConn) Send(e *types.Event) error {
	if c.fail {
		return errors.New("send queue full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type owners map[types.SessionID]types.Principal

func (o owners) Owner(_ context.Context, id types.SessionID) (types.Principal, error) {
	p, ok := o[id]
	if !ok {
		return "", state.ErrNotFound
	}
	return p, nil
}

func newBroadcaster() (*Broadcaster, *observability.Recorder) {
	rec := &observability.Recorder{}
	return New(owners{"s1": "alice", "s2": "alice", "s3": "bob"}, rec), rec
}

func TestJoin_RequiresOwnership(t *testing.T) {
	b, _ := newBroadcaster()
	ctx := context.Background()
	alice := &fakeConn{id: "c1", principal: "alice"}
	bob := &fakeConn{id: "c2", principal: "bob"}
	anon := &fakeConn{id: "c3"}

	require.NoError(t, b.Join(ctx, alice, "s1"))
	assert.ErrorIs(t, b.Join(ctx, bob, "s1"), ErrNotOwner)
	assert.ErrorIs(t, b.Join(ctx, anon, "s1"), ErrNotOwner)
	assert.ErrorIs(t, b.Join(ctx, alice, "missing"), ErrUnknownSession)
	assert.Equal(t, 1, b.Members("s1"))
}

func TestBroadcast_NoCrossSessionLeakage(t *testing.T) {
	b, _ := newBroadcaster()
	ctx := context.Background()
	c1 := &fakeConn{id: "c1", principal: "alice"}
	c2 := &fakeConn{id: "c2", principal: "alice"}
	c3 := &fakeConn{id: "c3", principal: "bob"}
	require.NoError(t, b.Join(ctx, c1, "s1"))
	require.NoError(t, b.Join(ctx, c2, "s2"))
	require.NoError(t, b.Join(ctx, c3, "s3"))

	b.Broadcast("s1", &types.Event{ID: "e1", Type: "message_chunk", SessionID: "s1"})

	assert.Equal(t, 1, c1.received())
	assert.Equal(t, 0, c2.received())
	assert.Equal(t, 0, c3.received())
}

func TestLeave_Idempotent(t *testing.T) {
	b, _ := newBroadcaster()
	ctx := context.Background()
	c := &fakeConn{id: "c1", principal: "alice"}

	b.Leave(c, "s1")
	require.NoError(t, b.Join(ctx, c, "s1"))
	require.NoError(t, b.Join(ctx, c, "s1"))
	assert.Equal(t, 1, b.Members("s1"))

	b.Leave(c, "s1")
	b.Leave(c, "s1")
	assert.Equal(t, 0, b.Members("s1"))

	b.Broadcast("s1", &types.Event{ID: "e1", SessionID: "s1"})
	assert.Equal(t, 0, c.received())
}

func TestLeaveAll(t *testing.T) {
	b, _ := newBroadcaster()
	ctx := context.Background()
	c := &fakeConn{id: "c1", principal: "alice"}
	require.NoError(t, b.Join(ctx, c, "s1"))
	require.NoError(t, b.Join(ctx, c, "s2"))

	b.LeaveAll(c)
	b.LeaveAll(c)
	assert.Equal(t, 0, b.Members("s1"))
	assert.Equal(t, 0, b.Members("s2"))
	assert.Empty(t, b.joined)
}

func TestBroadcast_SlowConnDoesNotBlockOthers(t *testing.T) {
	b, rec := newBroadcaster()
	ctx := context.Background()
	slow := &fakeConn{id: "slow", principal: "alice", fail: true}
	fast := &fakeConn{id: "fast", principal: "alice"}
	require.NoError(t, b.Join(ctx, slow, "s1"))
	require.NoError(t, b.Join(ctx, fast, "s1"))

	b.Broadcast("s1", &types.Event{ID: "e1", Type: "message", SessionID: "s1"})

	assert.Equal(t, 1, fast.received())
	assert.Equal(t, 1, rec.Count(observability.BroadcastDropped))
}
