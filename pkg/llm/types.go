package llm

import "encoding/json"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message in a conversation. Assistant messages may
// carry tool calls; tool messages answer exactly one call.
type Message struct {
	Role              string     `json:"role"`
	Content           string     `json:"content"`
	Thinking          string     `json:"thinking,omitempty"`
	ThinkingSignature string     `json:"thinking_signature,omitempty"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID        string     `json:"tool_call_id,omitempty"`
	IsError           bool       `json:"is_error,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool describes a tool that can be provided to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one provider call.
type Request struct {
	System         string
	Messages       []Message
	Tools          []Tool
	Thinking       bool
	ThinkingBudget int
}

// StopReason is the canonical reason a response ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Terminal reports whether the turn ends with this reason.
func (r StopReason) Terminal() bool {
	return r == StopEndTurn || r == StopMaxTokens
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content           string     `json:"content"`
	Thinking          string     `json:"thinking,omitempty"`
	ThinkingSignature string     `json:"thinking_signature,omitempty"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	StopReason        StopReason `json:"stop_reason"`
	Usage             Usage      `json:"usage"`
}

// Normalize reconciles the stop reason with the tool calls. A truncated
// response keeps max_tokens and loses its partial tool calls; otherwise any
// tool call means tool_use, and tool_use without calls is a plain end.
func (r *Response) Normalize() {
	switch {
	case r.StopReason == StopMaxTokens:
		r.ToolCalls = nil
	case len(r.ToolCalls) > 0:
		r.StopReason = StopToolUse
	case r.StopReason == StopToolUse || r.StopReason == "":
		r.StopReason = StopEndTurn
	}
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// DeltaKind distinguishes answer text from reasoning.
type DeltaKind string

const (
	DeltaText     DeltaKind = "text"
	DeltaThinking DeltaKind = "thinking"
)

// Delta represents an incremental update during streaming.
type Delta struct {
	Kind DeltaKind `json:"kind"`
	Text string    `json:"text"`
}
