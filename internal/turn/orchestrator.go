// Package turn drives one user message through the model, tools and
// approvals until a terminal event.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/turnstile/internal/approval"
	ctxengine "github.com/user/turnstile/internal/context"
	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// ErrTurnClosed is returned for any emit after the terminal event.
var ErrTurnClosed = errors.New("turn already ended")

// Error codes carried on error events that do not come from the provider.
const (
	CodeMaxRounds          = "max_rounds"
	CodeSequenceFailed     = "sequence_failed"
	CodeHistoryUnavailable = "history_unavailable"
	CodeApprovalFailed     = "approval_failed"
	CodeCancelled          = "cancelled"
)

const (
	defaultMaxRounds     = 10
	defaultHistoryWindow = 500
	drainTimeout         = 5 * time.Second
)

// Emitter publishes turn events.
type Emitter interface {
	Emit(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, eventType string, payload any) (*types.Event, error)
}

// Gate pauses a tool call until a human decides.
type Gate interface {
	Request(ctx context.Context, sessionID types.SessionID, turnID types.TurnID, toolUseID, toolName string, args json.RawMessage) (*approval.Pending, error)
	Abandon(ctx context.Context, id types.ApprovalID, reason string) error
}

// Executor runs tools by name.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, bool)
	AsLLMTools() []llm.Tool
	Names() []string
}

// Classifier decides which tool calls need approval.
type Classifier interface {
	RequiresApproval(name string) bool
}

// Recorder persists turn and message records.
type Recorder interface {
	EnqueueMessage(msg *types.Message)
	EnqueueTurn(turn *types.Turn)
	DrainSession(ctx context.Context, sessionID types.SessionID) error
}

// History reads a session's persisted events.
type History interface {
	ListEvents(ctx context.Context, sessionID types.SessionID, afterSeq int64, limit int) ([]*types.Event, error)
}

// Memory supplies remembered facts for the system prompt.
type Memory interface {
	Entries() ([]string, error)
}

// Config wires an Orchestrator. Memory and Observer are optional.
type Config struct {
	Provider      llm.Provider
	Engine        *ctxengine.Engine
	Emitter       Emitter
	Gate          Gate
	Tools         Executor
	Policy        Classifier
	Recorder      Recorder
	History       History
	Memory        Memory
	Observer      observability.Observer
	MaxRounds     int
	HistoryWindow int
	// ThinkingBudget applies when a message asks for thinking without
	// naming a budget.
	ThinkingBudget int
}

// Orchestrator runs turns. It holds no per-turn state; one instance serves
// every session.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopObserver{}
	}
	return &Orchestrator{cfg: cfg}
}

// ProcessRun executes one turn. This is the function passed to
// Queue.SetProcessor. The returned error is already reported to the
// session as an error event.
func (o *Orchestrator) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, stopWaits := context.WithCancel(ctx)
	defer stopWaits()
	if run.Shutdown != nil {
		stop := context.AfterFunc(run.Shutdown, stopWaits)
		defer stop()
	}
	t := &turnState{
		o:       o,
		ctx:     ctx,
		waitCtx: waitCtx,
		session: run.SessionID,
		record: &types.Turn{
			ID:        run.ID,
			SessionID: run.SessionID,
			Status:    types.TurnRunning,
			StartedAt: time.Now(),
		},
		log: slog.With("session_id", string(run.SessionID), "turn_id", string(run.ID)),
	}
	o.cfg.Recorder.EnqueueTurn(t.record)

	// 1. Confirm receipt before anything else can fail.
	msgID := types.NewMessageID()
	confirmed, err := t.emit(events.TypeUserMessageConfirmed, events.UserMessageConfirmed{MessageID: msgID, Text: run.Message.Text})
	if err != nil {
		return t.fail(CodeSequenceFailed, err)
	}
	o.cfg.Recorder.EnqueueMessage(&types.Message{
		ID:        msgID,
		SessionID: run.SessionID,
		TurnID:    run.ID,
		Role:      types.RoleUser,
		Content:   run.Message.Text,
		CreatedAt: confirmed.At,
	})

	// 2. Load earlier turns.
	prior, err := o.loadHistory(ctx, run.SessionID, *confirmed.Seq)
	if err != nil {
		return t.fail(CodeHistoryUnavailable, err)
	}
	t.history = append(prior, confirmed)

	input := o.promptInput(run.SessionID)
	tools := o.cfg.Tools.AsLLMTools()

	for round := 0; round < o.cfg.MaxRounds; round++ {
		// 3. Build the request from everything persisted so far.
		req, err := o.cfg.Engine.BuildRequest(input, t.history, tools)
		if err != nil {
			return t.fail(string(llm.CodeInvalidRequest), err)
		}
		req.Thinking = run.Message.Thinking
		req.ThinkingBudget = run.Message.ThinkingBudget
		if req.Thinking && req.ThinkingBudget == 0 {
			req.ThinkingBudget = o.cfg.ThinkingBudget
		}

		// 4. Stream the response.
		resp, err := o.cfg.Provider.Stream(ctx, req, t.onDelta)
		if err != nil {
			return t.fail(string(llm.CodeOf(err)), fmt.Errorf("llm call: %w", err))
		}
		resp.Normalize()

		// 5. Record what the model said.
		if err := t.recordResponse(resp); err != nil {
			return t.fail(CodeSequenceFailed, err)
		}

		if resp.StopReason.Terminal() {
			return t.complete(resp.StopReason)
		}

		// 6. Run every requested tool before the next call.
		if err := t.runTools(); err != nil {
			return t.failTools(err)
		}
	}

	return t.fail(CodeMaxRounds, fmt.Errorf("max tool rounds (%d) exceeded", o.cfg.MaxRounds))
}

// loadHistory flushes pending writes for the session and returns up to
// HistoryWindow persisted events sequenced before the current turn.
func (o *Orchestrator) loadHistory(ctx context.Context, sessionID types.SessionID, before int64) ([]*types.Event, error) {
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	err := o.cfg.Recorder.DrainSession(drainCtx, sessionID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("flush session writes: %w", err)
	}

	after := before - 1 - int64(o.cfg.HistoryWindow)
	if after < 0 {
		after = 0
	}
	evs, err := o.cfg.History.ListEvents(ctx, sessionID, after, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	prior := evs[:0]
	for _, ev := range evs {
		if ev.Seq != nil && *ev.Seq < before {
			prior = append(prior, ev)
		}
	}
	return prior, nil
}

func (o *Orchestrator) promptInput(sessionID types.SessionID) ctxengine.PromptInput {
	in := ctxengine.PromptInput{SessionID: sessionID, Tools: o.cfg.Tools.Names()}
	for _, name := range in.Tools {
		if o.cfg.Policy.RequiresApproval(name) {
			in.Gated = append(in.Gated, name)
		}
	}
	if o.cfg.Memory != nil {
		entries, err := o.cfg.Memory.Entries()
		if err != nil {
			slog.Warn("memory unavailable", "session_id", string(sessionID), "error", err)
		}
		in.Memory = entries
	}
	return in
}

// turnState is everything that belongs to one running turn.
type turnState struct {
	o   *Orchestrator
	ctx context.Context
	// waitCtx bounds approval waits. It also ends on shutdown.
	waitCtx context.Context
	session types.SessionID
	record  *types.Turn
	history []*types.Event
	// open holds the tool calls of the current round, in emitted order.
	open   []*types.ToolInvocation
	closed bool
	log    *slog.Logger
}

// emit publishes one event. Persisted events join the turn's history.
// Emission ignores cancellation so a cancelled turn can still end cleanly.
func (t *turnState) emit(eventType string, payload any) (*types.Event, error) {
	if t.closed {
		return nil, ErrTurnClosed
	}
	if events.IsTerminal(eventType) {
		t.closed = true
	}
	ev, err := t.o.cfg.Emitter.Emit(context.WithoutCancel(t.ctx), t.session, t.record.ID, eventType, payload)
	if err != nil {
		if errors.Is(err, events.ErrSequence) {
			observability.Emit(t.ctx, t.o.cfg.Observer, observability.TurnSequenceFailure, observability.LevelError, "turn", map[string]any{
				"session_id": string(t.session),
				"turn_id":    string(t.record.ID),
				"event_type": eventType,
				"error":      err.Error(),
			})
		}
		return nil, err
	}
	if ev.IsPersisted() {
		t.history = append(t.history, ev)
	}
	return ev, nil
}

func (t *turnState) onDelta(d llm.Delta) {
	eventType := events.TypeMessageChunk
	if d.Kind == llm.DeltaThinking {
		eventType = events.TypeThinkingChunk
	}
	if _, err := t.emit(eventType, events.Chunk{Delta: d.Text}); err != nil {
		t.log.Warn("drop chunk", "error", err)
	}
}

// recordResponse emits the thinking summary, the message summary and one
// tool_use per call, in that order.
func (t *turnState) recordResponse(resp *llm.Response) error {
	if resp.Thinking != "" {
		if _, err := t.emit(events.TypeThinking, events.Thinking{Text: resp.Thinking, Signature: resp.ThinkingSignature}); err != nil {
			return err
		}
	}

	msgID := types.NewMessageID()
	ev, err := t.emit(events.TypeMessage, events.Message{MessageID: msgID, Text: resp.Content, StopReason: string(resp.StopReason)})
	if err != nil {
		return err
	}
	t.o.cfg.Recorder.EnqueueMessage(&types.Message{
		ID:         msgID,
		SessionID:  t.session,
		TurnID:     t.record.ID,
		Role:       types.RoleAssistant,
		Content:    resp.Content,
		Thinking:   resp.Thinking,
		StopReason: string(resp.StopReason),
		CreatedAt:  ev.At,
	})

	for _, call := range resp.ToolCalls {
		inv := &types.ToolInvocation{ToolUseID: call.ID, Name: call.Name, Args: argsOf(call)}
		if _, err := t.emit(events.TypeToolUse, events.ToolUse{ToolUseID: inv.ToolUseID, Name: inv.Name, Args: inv.Args}); err != nil {
			return err
		}
		t.open = append(t.open, inv)
	}
	return nil
}

// runTools produces exactly one tool_result per open call. On error the
// calls left unanswered are settled by fail.
func (t *turnState) runTools() error {
	for _, inv := range t.open {
		result, success, err := t.runTool(inv)
		if err != nil {
			return err
		}
		if err := t.settle(inv, result, success); err != nil {
			return err
		}
	}
	t.open = nil
	return nil
}

func (t *turnState) runTool(inv *types.ToolInvocation) (string, bool, error) {
	if t.o.cfg.Policy.RequiresApproval(inv.Name) {
		pending, err := t.o.cfg.Gate.Request(t.ctx, t.session, t.record.ID, inv.ToolUseID, inv.Name, inv.Args)
		if err != nil {
			return "", false, fmt.Errorf("request approval: %w", err)
		}
		t.log.Info("awaiting approval", "approval_id", string(pending.Request.ID), "tool", inv.Name)
		out, err := pending.Wait(t.waitCtx)
		if err != nil {
			if aerr := t.o.cfg.Gate.Abandon(context.WithoutCancel(t.ctx), pending.Request.ID, "turn cancelled"); aerr != nil {
				t.log.Error("abandon approval", "approval_id", string(pending.Request.ID), "error", aerr)
			}
			return "", false, err
		}
		if !out.Approved {
			return denial(inv.Name, out), false, nil
		}
	}
	result, ok := t.o.cfg.Tools.Execute(t.ctx, inv.Name, inv.Args)
	return result, ok, nil
}

// settle emits the tool_result for inv.
func (t *turnState) settle(inv *types.ToolInvocation, result string, success bool) error {
	if _, err := t.emit(events.TypeToolResult, events.ToolResult{ToolUseID: inv.ToolUseID, Name: inv.Name, Result: result, Success: success}); err != nil {
		return err
	}
	inv.Result = result
	inv.Success = &success
	return nil
}

// settleOpen gives every unanswered tool call a failed result before the
// turn ends.
func (t *turnState) settleOpen(cause error) {
	for _, inv := range t.open {
		if inv.Success != nil {
			continue
		}
		msg := fmt.Sprintf("The %s call was not run: the turn ended first (%v).", inv.Name, cause)
		if err := t.settle(inv, msg, false); err != nil {
			t.log.Error("emit tool result", "tool_use_id", inv.ToolUseID, "error", err)
			return
		}
	}
	t.open = nil
}

func denial(tool string, out approval.Outcome) string {
	var msg string
	if out.Status == types.ApprovalExpired {
		msg = fmt.Sprintf("The %s call was not run: approval expired without a decision.", tool)
	} else {
		msg = fmt.Sprintf("The %s call was not run: the user rejected it.", tool)
	}
	if out.Reason != "" {
		msg += " Reason: " + out.Reason
	}
	return msg
}

func (t *turnState) complete(reason llm.StopReason) error {
	if _, err := t.emit(events.TypeComplete, events.Complete{Reason: string(reason)}); err != nil {
		t.log.Error("emit complete", "error", err)
	}
	t.end(types.TurnComplete, string(reason), "")
	t.log.Info("turn complete", "reason", string(reason))
	return nil
}

// fail ends the turn with an error event and returns err for the queue to log.
func (t *turnState) fail(code string, err error) error {
	t.settleOpen(err)
	if _, emitErr := t.emit(events.TypeError, events.Error{Message: err.Error(), Code: code}); emitErr != nil {
		t.log.Error("emit error event", "error", emitErr)
	}
	t.end(types.TurnFailed, "", err.Error())
	return err
}

func (t *turnState) failTools(err error) error {
	switch {
	case errors.Is(err, events.ErrSequence):
		return t.fail(CodeSequenceFailed, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return t.fail(CodeCancelled, err)
	default:
		return t.fail(CodeApprovalFailed, err)
	}
}

func (t *turnState) end(status types.TurnStatus, stopReason, errMsg string) {
	now := time.Now()
	t.record.Status = status
	t.record.StopReason = stopReason
	t.record.Error = errMsg
	t.record.EndedAt = &now
	t.o.cfg.Recorder.EnqueueTurn(t.record)
}

func argsOf(call llm.ToolCall) json.RawMessage {
	if len(call.Arguments) == 0 {
		return json.RawMessage(`{}`)
	}
	return call.Arguments
}
