// Package approval pauses mutating tool calls until the session owner
// approves or rejects them, or until they expire.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
)

// DefaultTimeout is how long a request waits for a human decision.
const DefaultTimeout = 30 * time.Minute

// SystemPrincipal resolves requests that time out.
const SystemPrincipal types.Principal = "system"

// Decision is a human answer to an approval request.
type Decision string

const (
	Approved Decision = "approved"
	Rejected Decision = "rejected"
)

// ParseDecision accepts "approved"/"approve" and "rejected"/"reject".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve":
		return Approved, nil
	case "rejected", "reject":
		return Rejected, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

func (d Decision) status() types.ApprovalStatus {
	if d == Approved {
		return types.ApprovalApproved
	}
	return types.ApprovalRejected
}

// Emitter publishes turn events.
type Emitter interface {
	Emit(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, eventType string, payload any) (*types.Event, error)
}

// OwnerLookup returns a session's owning principal.
type OwnerLookup interface {
	Owner(ctx context.Context, id types.SessionID) (types.Principal, error)
}

// Outcome is what a waiting turn learns about its request.
type Outcome struct {
	Approved   bool
	Status     types.ApprovalStatus
	ResolvedBy types.Principal
	Reason     string
}

// Pending is a request that has not been decided yet. Wait blocks until it
// is, exactly once, by approve, reject or expiry.
type Pending struct {
	Request *types.ApprovalRequest

	done    chan struct{}
	outcome Outcome
	timer   *time.Timer
}

// Wait blocks until the request is decided or ctx ends. A caller that stops
// waiting must Abandon the request.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("wait for approval %s: %w", p.Request.ID, ctx.Err())
	}
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Options configure a Gate.
type Options struct {
	Timeout  time.Duration
	Observer observability.Observer
	Now      func() time.Time
}

// Gate owns every status change of every approval request.
type Gate struct {
	store   types.ApprovalStore
	owners  OwnerLookup
	emitter Emitter
	timeout time.Duration
	obs     observability.Observer
	now     func() time.Time

	mu      sync.Mutex
	waiters map[types.ApprovalID]*Pending
}

// NewGate creates a Gate. Decisions are authorized against owners and
// announced through emitter.
func NewGate(store types.ApprovalStore, owners OwnerLookup, emitter Emitter, opts Options) *Gate {
	g := &Gate{
		store:   store,
		owners:  owners,
		emitter: emitter,
		timeout: opts.Timeout,
		obs:     opts.Observer,
		now:     opts.Now,
		waiters: make(map[types.ApprovalID]*Pending),
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Request announces a pending approval for a tool call with a persisted
// approval_requested event, records it and arms its expiry timer. The
// request only becomes resolvable once it has been announced.
func (g *Gate) Request(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, toolUseID, toolName string, args json.RawMessage) (*Pending, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	now := g.now().UTC()
	req := &types.ApprovalRequest{
		ID:          types.NewApprovalID(),
		SessionID:   sessionID,
		TurnID:      turnID,
		ToolUseID:   toolUseID,
		ToolName:    toolName,
		ToolArgs:    args,
		Status:      types.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(g.timeout),
	}

	_, err := g.emitter.Emit(ctx, sessionID, turnID, events.TypeApprovalRequested, events.ApprovalRequested{
		ApprovalID: req.ID,
		ToolUseID:  toolUseID,
		ToolName:   toolName,
		ToolArgs:   args,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("announce approval: %w", err)
	}

	if err := g.store.CreateApproval(ctx, req); err != nil {
		// Announced but never stored: close it out for anyone watching.
		req.Status = types.ApprovalExpired
		g.finish(ctx, req, Outcome{Status: types.ApprovalExpired, ResolvedBy: SystemPrincipal, Reason: "not recorded"})
		return nil, fmt.Errorf("create approval: %w", err)
	}

	p := &Pending{Request: req, done: make(chan struct{})}
	id := req.ID
	g.mu.Lock()
	g.waiters[id] = p
	p.timer = time.AfterFunc(g.timeout, func() {
		if _, err := g.expire(context.Background(), id, "timeout"); err != nil {
			slog.Error("approval expiry failed", "approval_id", string(id), "error", err)
		}
	})
	g.mu.Unlock()

	slog.Info("approval requested", "approval_id", string(id), "session_id", string(sessionID), "tool", toolName)
	return p, nil
}

// Abandon expires a request whose turn has stopped waiting for it. Once it
// returns, approval_resolved for the request has been emitted, either here
// or by a decision that got there first, and its timer is stopped.
func (g *Gate) Abandon(ctx context.Context, id types.ApprovalID, reason string) error {
	g.mu.Lock()
	p := g.waiters[id]
	g.mu.Unlock()

	ok, err := g.expire(ctx, id, reason)
	if err != nil {
		return err
	}
	if ok || p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("abandon approval %s: %w", id, ctx.Err())
	}
}

// Resolve applies a human decision. The principal must come from the
// authenticated transport. Of several concurrent calls for one request at
// most one succeeds; the rest get ErrAlreadyResolved. A caller that does not
// own the session gets ErrUnauthorized and the request stays pending.
func (g *Gate) Resolve(ctx context.Context, id types.ApprovalID, decision Decision, principal types.Principal, reason string) (*types.ApprovalRequest, error) {
	if decision != Approved && decision != Rejected {
		return nil, fmt.Errorf("resolve approval %s: invalid decision %q", id, decision)
	}
	req, err := g.authorize(ctx, id, principal)
	if err != nil {
		return nil, err
	}

	switch {
	case req.Status == types.ApprovalExpired:
		return nil, newError(CodeExpired, id)
	case req.Status.Terminal():
		return nil, newError(CodeAlreadyResolved, id)
	case !g.now().Before(req.ExpiresAt):
		if _, err := g.expire(ctx, id, "timeout"); err != nil {
			return nil, err
		}
		return nil, newError(CodeExpired, id)
	}

	at := g.now().UTC()
	ok, err := g.store.CompareAndSetStatus(ctx, id, types.ApprovalPending, decision.status(), principal, reason, at)
	if err != nil {
		return nil, fmt.Errorf("resolve approval %s: %w", id, err)
	}
	if !ok {
		return nil, g.lostRace(ctx, id)
	}

	req.Status = decision.status()
	req.ResolvedAt = &at
	req.ResolvedBy = principal
	req.Reason = reason
	g.finish(ctx, req, Outcome{
		Approved:   decision == Approved,
		Status:     req.Status,
		ResolvedBy: principal,
		Reason:     reason,
	})
	slog.Info("approval resolved", "approval_id", string(id), "status", string(req.Status), "by", string(principal))
	return req, nil
}

// Get returns a request if principal owns its session.
func (g *Gate) Get(ctx context.Context, id types.ApprovalID, principal types.Principal) (*types.ApprovalRequest, error) {
	return g.authorize(ctx, id, principal)
}

// Sweep expires every pending request whose deadline has passed, including
// ones left behind by a previous process. It returns how many it expired.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	overdue, err := g.store.ListPendingBefore(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("list overdue approvals: %w", err)
	}
	n := 0
	for _, req := range overdue {
		ok, err := g.expire(ctx, req.ID, "timeout")
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		observability.Emit(ctx, g.obs, observability.ApprovalSwept, observability.LevelInfo, "approval", map[string]any{"expired": n})
	}
	return n, nil
}

// Waiting returns how many turns are blocked on a decision.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

func (g *Gate) authorize(ctx context.Context, id types.ApprovalID, principal types.Principal) (*types.ApprovalRequest, error) {
	req, err := g.store.GetApproval(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, newError(CodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load approval %s: %w", id, err)
	}
	owner, err := g.owners.Owner(ctx, req.SessionID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, newError(CodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session owner: %w", err)
	}
	if principal == "" || principal != owner {
		slog.Warn("unauthorized approval attempt", "approval_id", string(id), "principal", string(principal))
		return nil, newError(CodeUnauthorized, id)
	}
	return req, nil
}

// lostRace maps a failed compare-and-set to the status that won.
func (g *Gate) lostRace(ctx context.Context, id types.ApprovalID) error {
	cur, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return newError(CodeAlreadyResolved, id)
	}
	if cur.Status == types.ApprovalExpired {
		return newError(CodeExpired, id)
	}
	return newError(CodeAlreadyResolved, id)
}

// expire moves a pending request to expired. It reports false if another
// resolution got there first.
func (g *Gate) expire(ctx context.Context, id types.ApprovalID, reason string) (bool, error) {
	at := g.now().UTC()
	ok, err := g.store.CompareAndSetStatus(ctx, id, types.ApprovalPending, types.ApprovalExpired, SystemPrincipal, reason, at)
	if err != nil {
		return false, fmt.Errorf("expire approval %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	req, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return true, fmt.Errorf("reload expired approval %s: %w", id, err)
	}
	observability.Emit(ctx, g.obs, observability.ApprovalExpired, observability.LevelWarning, "approval", map[string]any{
		"approval_id": string(id),
		"session_id":  string(req.SessionID),
		"tool":        req.ToolName,
		"reason":      reason,
	})
	g.finish(ctx, req, Outcome{Status: types.ApprovalExpired, ResolvedBy: SystemPrincipal, Reason: reason})
	return true, nil
}

// finish announces the decision and then releases the waiting turn, so
// approval_resolved always precedes whatever the turn does next. Only the
// compare-and-set winner calls it.
func (g *Gate) finish(ctx context.Context, req *types.ApprovalRequest, out Outcome) {
	_, err := g.emitter.Emit(context.WithoutCancel(ctx), req.SessionID, req.TurnID, events.TypeApprovalResolved, events.ApprovalResolved{
		ApprovalID: req.ID,
		Approved:   out.Approved,
		Status:     out.Status,
		ResolvedBy: out.ResolvedBy,
		Reason:     out.Reason,
	})
	if err != nil {
		slog.Error("announce approval resolution", "approval_id", string(req.ID), "error", err)
	}

	g.mu.Lock()
	p, ok := g.waiters[req.ID]
	delete(g.waiters, req.ID)
	g.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.outcome = out
	close(p.done)
}
