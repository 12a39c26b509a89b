package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recorder) Broadcast(_ types.SessionID, e *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) typeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type failingEmitter struct{}

func (failingEmitter) Emit(context.Context, types.SessionID, types.TurnID, string, any) (*types.Event, error) {
	return nil, events.ErrSequence
}

type fixture struct {
	store *state.Store
	gate  *Gate
	rec   *recorder
	obs   *observability.Recorder
	sid   types.SessionID
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sess, err := store.Create(context.Background(), "alice")
	require.NoError(t, err)

	rec := &recorder{}
	obs := &observability.Recorder{}
	em := events.NewEmitter(events.NewSequencer(state.NewMemoryCounter()), rec, nil)
	gate := NewGate(store, store, em, Options{Timeout: timeout, Observer: obs})
	return &fixture{store: store, gate: gate, rec: rec, obs: obs, sid: sess.ID}
}

func (f *fixture) request(t *testing.T) *Pending {
	t.Helper()
	p, err := f.gate.Request(context.Background(), f.sid, "t1", "tu_1", "bash", json.RawMessage(`{"command":"rm -rf build"}`))
	require.NoError(t, err)
	return p
}

func waitOutcome(t *testing.T, p *Pending) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := p.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestRequest_EmitsPersistedEvent(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	require.Len(t, f.rec.events, 1)
	ev := f.rec.events[0]
	assert.Equal(t, events.TypeApprovalRequested, ev.Type)
	assert.Equal(t, types.Persisted, ev.Persistence)
	require.NotNil(t, ev.Seq)

	var payload events.ApprovalRequested
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, p.Request.ID, payload.ApprovalID)
	assert.Equal(t, "bash", payload.ToolName)

	stored, err := f.store.GetApproval(context.Background(), p.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, stored.Status)
	assert.Equal(t, 1, f.gate.Waiting())
}

func TestResolve_Approve(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	req, err := f.gate.Resolve(context.Background(), p.Request.ID, Approved, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, req.Status)

	out := waitOutcome(t, p)
	assert.True(t, out.Approved)
	assert.Equal(t, types.ApprovalApproved, out.Status)
	assert.Equal(t, []string{events.TypeApprovalRequested, events.TypeApprovalResolved}, f.rec.typeNames())

	resolved := f.rec.events[1]
	assert.Nil(t, resolved.Seq)
	assert.JSONEq(t, `{"approvalId":"`+string(p.Request.ID)+`","approved":true,"status":"approved","resolvedBy":"alice"}`, string(resolved.Payload))
	assert.Equal(t, 0, f.gate.Waiting())
}

func TestResolve_Reject(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	_, err := f.gate.Resolve(context.Background(), p.Request.ID, Rejected, "alice", "too risky")
	require.NoError(t, err)

	out := waitOutcome(t, p)
	assert.False(t, out.Approved)
	assert.Equal(t, types.ApprovalRejected, out.Status)
	assert.Equal(t, "too risky", out.Reason)

	stored, err := f.store.GetApproval(context.Background(), p.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, stored.Status)
	assert.Equal(t, types.Principal("alice"), stored.ResolvedBy)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.gate.Resolve(context.Background(), "nope", Approved, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestResolve_UnauthorizedLeavesRequestPending(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	_, err := f.gate.Resolve(context.Background(), p.Request.ID, Approved, "mallory", "")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.gate.Resolve(context.Background(), p.Request.ID, Approved, "", "")
	require.ErrorIs(t, err, ErrUnauthorized)

	select {
	case <-p.Done():
		t.Fatal("unauthorized attempt released the turn")
	default:
	}
	stored, err := f.store.GetApproval(context.Background(), p.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, stored.Status)

	_, err = f.gate.Resolve(context.Background(), p.Request.ID, Approved, "alice", "")
	require.NoError(t, err)
	assert.True(t, waitOutcome(t, p).Approved)
}

func TestResolve_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Approved
			if i%2 == 1 {
				d = Rejected
			}
			_, errs[i] = f.gate.Resolve(context.Background(), p.Request.ID, d, "alice", "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	}
	assert.Equal(t, 1, wins)

	waitOutcome(t, p)
	resolved := 0
	for _, typ := range f.rec.typeNames() {
		if typ == events.TypeApprovalResolved {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)
}

func TestResolve_AfterResolution(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)
	_, err := f.gate.Resolve(context.Background(), p.Request.ID, Rejected, "alice", "")
	require.NoError(t, err)

	_, err = f.gate.Resolve(context.Background(), p.Request.ID, Approved, "alice", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolve_InvalidDecision(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)
	_, err := f.gate.Resolve(context.Background(), p.Request.ID, Decision("maybe"), "alice", "")
	require.Error(t, err)
	assert.Equal(t, Code(""), CodeOf(err))
}

func TestTimeout_ExpiresAndReleases(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	p := f.request(t)

	out := waitOutcome(t, p)
	assert.False(t, out.Approved)
	assert.Equal(t, types.ApprovalExpired, out.Status)
	assert.Equal(t, SystemPrincipal, out.ResolvedBy)

	_, err := f.gate.Resolve(context.Background(), p.Request.ID, Approved, "alice", "")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 1, f.obs.Count(observability.ApprovalExpired))
	assert.Equal(t, []string{events.TypeApprovalRequested, events.TypeApprovalResolved}, f.rec.typeNames())
}

func TestResolve_LazyExpiry(t *testing.T) {
	f := newFixture(t, time.Hour)
	p := f.request(t)

	// Jump past the deadline without waiting for the timer.
	f.gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := f.gate.Resolve(context.Background(), p.Request.ID, Approved, "alice", "")
	require.ErrorIs(t, err, ErrExpired)

	out := waitOutcome(t, p)
	assert.Equal(t, types.ApprovalExpired, out.Status)
}

func TestSweep_ExpiresOrphans(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	// A request left behind by an earlier process has no waiter.
	orphan := &types.ApprovalRequest{
		ID:          types.NewApprovalID(),
		SessionID:   f.sid,
		TurnID:      "old",
		ToolUseID:   "tu_0",
		ToolName:    "bash",
		Status:      types.ApprovalPending,
		RequestedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateApproval(ctx, orphan))
	live := f.request(t)

	n, err := f.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.GetApproval(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, stored.Status)

	stored, err = f.store.GetApproval(ctx, live.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, stored.Status)
	assert.Equal(t, 1, f.obs.Count(observability.ApprovalSwept))
}

func TestRequest_AnnounceFailureCreatesNothing(t *testing.T) {
	f := newFixture(t, time.Minute)
	gate := NewGate(f.store, f.store, failingEmitter{}, Options{})

	_, err := gate.Request(context.Background(), f.sid, "t1", "tu_1", "bash", nil)
	require.ErrorIs(t, err, events.ErrSequence)
	assert.Equal(t, 0, gate.Waiting())

	list, err := f.store.ListApprovals(context.Background(), f.sid)
	require.NoError(t, err)
	assert.Empty(t, list)
}

type unwritableStore struct {
	*state.Store
}

func (unwritableStore) CreateApproval(context.Context, *types.ApprovalRequest) error {
	return errors.New("disk I/O error")
}

func TestRequest_StoreFailureClosesAnnouncement(t *testing.T) {
	f := newFixture(t, time.Minute)
	em := events.NewEmitter(events.NewSequencer(state.NewMemoryCounter()), f.rec, nil)
	gate := NewGate(unwritableStore{f.store}, f.store, em, Options{})

	_, err := gate.Request(context.Background(), f.sid, "t1", "tu_1", "bash", nil)
	require.Error(t, err)
	assert.Equal(t, 0, gate.Waiting())
	assert.Equal(t, []string{events.TypeApprovalRequested, events.TypeApprovalResolved}, f.rec.typeNames())

	var resolved events.ApprovalResolved
	require.NoError(t, json.Unmarshal(f.rec.events[1].Payload, &resolved))
	assert.False(t, resolved.Approved)
	assert.Equal(t, types.ApprovalExpired, resolved.Status)
}

func TestAbandon_ExpiresAndSilencesTimer(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)
	p := f.request(t)
	ctx := context.Background()

	require.NoError(t, f.gate.Abandon(ctx, p.Request.ID, "turn cancelled"))
	assert.Equal(t, 0, f.gate.Waiting())

	out := waitOutcome(t, p)
	assert.Equal(t, types.ApprovalExpired, out.Status)
	assert.Equal(t, "turn cancelled", out.Reason)

	stored, err := f.store.GetApproval(ctx, p.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, stored.Status)

	_, err = f.gate.Resolve(ctx, p.Request.ID, Approved, "alice", "")
	assert.ErrorIs(t, err, ErrExpired)

	// Neither the timer nor a sweep announces it again.
	time.Sleep(250 * time.Millisecond)
	n, err := f.gate.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{events.TypeApprovalRequested, events.TypeApprovalResolved}, f.rec.typeNames())
}

func TestAbandon_AfterDecision(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)
	ctx := context.Background()

	_, err := f.gate.Resolve(ctx, p.Request.ID, Rejected, "alice", "no")
	require.NoError(t, err)
	require.NoError(t, f.gate.Abandon(ctx, p.Request.ID, "turn cancelled"))

	stored, err := f.store.GetApproval(ctx, p.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, stored.Status)
	assert.Equal(t, []string{events.TypeApprovalRequested, events.TypeApprovalResolved}, f.rec.typeNames())
}

func TestWait_ContextCancelled(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGet_OwnerOnly(t *testing.T) {
	f := newFixture(t, time.Minute)
	p := f.request(t)

	got, err := f.gate.Get(context.Background(), p.Request.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bash", got.ToolName)

	_, err = f.gate.Get(context.Background(), p.Request.ID, "bob")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("Approve")
	require.NoError(t, err)
	assert.Equal(t, Approved, d)
	d, err = ParseDecision("rejected")
	require.NoError(t, err)
	assert.Equal(t, Rejected, d)
	_, err = ParseDecision("yes")
	assert.Error(t, err)
}
