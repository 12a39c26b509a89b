package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	StreamFunc func(ctx context.Context, req *Request, onDelta func(Delta)) (*Response, error)
}

func (m *MockProvider) Stream(ctx context.Context, req *Request, onDelta func(Delta)) (*Response, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req, onDelta)
	}
	onDelta(Delta{Kind: DeltaText, Text: "mock stream"})
	return &Response{Content: "mock stream", StopReason: StopEndTurn}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	var got string
	resp, err := provider.Stream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "test"}}}, func(d Delta) {
		got += d.Text
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != resp.Content {
		t.Errorf("expected deltas %q to match content %q", got, resp.Content)
	}
}

func TestNormalize(t *testing.T) {
	calls := []ToolCall{{ID: "a", Name: "bash"}}
	tests := []struct {
		name      string
		in        Response
		wantStop  StopReason
		wantCalls int
	}{
		{"plain end", Response{StopReason: StopEndTurn}, StopEndTurn, 0},
		{"empty reason", Response{}, StopEndTurn, 0},
		{"tool use", Response{StopReason: StopToolUse, ToolCalls: calls}, StopToolUse, 1},
		{"calls with end_turn", Response{StopReason: StopEndTurn, ToolCalls: calls}, StopToolUse, 1},
		{"tool use without calls", Response{StopReason: StopToolUse}, StopEndTurn, 0},
		{"truncated drops calls", Response{StopReason: StopMaxTokens, ToolCalls: calls}, StopMaxTokens, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.in
			r.Normalize()
			if r.StopReason != tt.wantStop {
				t.Errorf("stop = %s, want %s", r.StopReason, tt.wantStop)
			}
			if len(r.ToolCalls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(r.ToolCalls), tt.wantCalls)
			}
		})
	}
}

func TestStopReasonTerminal(t *testing.T) {
	if !StopEndTurn.Terminal() || !StopMaxTokens.Terminal() {
		t.Error("end_turn and max_tokens end the turn")
	}
	if StopToolUse.Terminal() {
		t.Error("tool_use does not end the turn")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{NewStatusError(429, errors.New("slow down")), CodeRateLimited},
		{fmt.Errorf("stream: %w", NewStatusError(529, errors.New("busy"))), CodeOverloaded},
		{NewStatusError(401, errors.New("bad key")), CodeAuthFailed},
		{NewStatusError(400, errors.New("bad")), CodeInvalidRequest},
		{NewStatusError(500, errors.New("boom")), CodeProvider},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("eof"), CodeProvider},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
