// Package llmtest provides a deterministic llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/user/turnstile/pkg/llm"
)

// ErrScriptExhausted is returned when Stream is called more times than
// rounds were scripted.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Round scripts one provider call. Thinking chunks stream before text
// chunks. If Err is set the chunks still stream and then the call fails.
type Round struct {
	Thinking  []string
	Text      []string
	ToolCalls []llm.ToolCall
	Stop      llm.StopReason
	Err       error
}

// ScriptedProvider replays rounds in order and records every request.
type ScriptedProvider struct {
	mu       sync.Mutex
	rounds   []Round
	requests []*llm.Request
}

func NewScriptedProvider(rounds ...Round) *ScriptedProvider {
	return &ScriptedProvider{rounds: rounds}
}

func (p *ScriptedProvider) Stream(ctx context.Context, req *llm.Request, onDelta func(llm.Delta)) (*llm.Response, error) {
	p.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, &cp)
	if len(p.rounds) == 0 {
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	r := p.rounds[0]
	p.rounds = p.rounds[1:]
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emit := func(kind llm.DeltaKind, parts []string) string {
		for _, s := range parts {
			if onDelta != nil {
				onDelta(llm.Delta{Kind: kind, Text: s})
			}
		}
		return strings.Join(parts, "")
	}
	thinking := emit(llm.DeltaThinking, r.Thinking)
	text := emit(llm.DeltaText, r.Text)
	if r.Err != nil {
		return nil, r.Err
	}

	resp := &llm.Response{
		Content:    text,
		Thinking:   thinking,
		ToolCalls:  append([]llm.ToolCall(nil), r.ToolCalls...),
		StopReason: r.Stop,
	}
	if thinking != "" {
		resp.ThinkingSignature = "sig"
	}
	resp.Normalize()
	return resp, nil
}

// Requests returns every request received so far.
func (p *ScriptedProvider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.requests...)
}

// Remaining returns how many rounds have not been consumed.
func (p *ScriptedProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rounds)
}
