// Package events defines the turn event taxonomy, the persisted/transient
// policy, and the Emitter that sequences, broadcasts and persists events.
package events

import (
	"encoding/json"
	"time"

	"github.com/user/turnstile/internal/types"
)

// Event types emitted during a turn.
const (
	TypeUserMessageConfirmed = "user_message_confirmed"
	TypeMessageChunk         = "message_chunk"
	TypeThinkingChunk        = "thinking_chunk"
	TypeThinking             = "thinking"
	TypeMessage              = "message"
	TypeToolUse              = "tool_use"
	TypeApprovalRequested    = "approval_requested"
	TypeApprovalResolved     = "approval_resolved"
	TypeToolResult           = "tool_result"
	TypeComplete             = "complete"
	TypeError                = "error"
)

var policy = map[string]types.Persistence{
	TypeUserMessageConfirmed: types.Persisted,
	TypeMessageChunk:         types.Transient,
	TypeThinkingChunk:        types.Transient,
	TypeThinking:             types.Persisted,
	TypeMessage:              types.Persisted,
	TypeToolUse:              types.Persisted,
	TypeApprovalRequested:    types.Persisted,
	TypeApprovalResolved:     types.Transient,
	TypeToolResult:           types.Persisted,
	TypeComplete:             types.Transient,
	TypeError:                types.Transient,
}

// Classify returns the static persistence policy for an event type. Unknown
// types are transient: nothing is sequenced unless it is listed.
func Classify(eventType string) types.Persistence {
	if p, ok := policy[eventType]; ok {
		return p
	}
	return types.Transient
}

// IsTerminal reports whether the event type ends a turn.
func IsTerminal(eventType string) bool {
	return eventType == TypeComplete || eventType == TypeError
}

type UserMessageConfirmed struct {
	MessageID types.MessageID `json:"messageId"`
	Text      string          `json:"text"`
}

type Chunk struct {
	Delta string `json:"delta"`
}

// Thinking is the completed reasoning of one model response. Signature is
// the provider's opaque token, needed to replay the reasoning later.
type Thinking struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// Message summarizes one assistant response. StopReason is one of
// end_turn, tool_use or max_tokens.
type Message struct {
	MessageID  types.MessageID `json:"messageId"`
	Text       string          `json:"text"`
	StopReason string          `json:"stopReason"`
}

type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
}

type ApprovalRequested struct {
	ApprovalID types.ApprovalID `json:"approvalId"`
	ToolUseID  string           `json:"toolUseId"`
	ToolName   string           `json:"toolName"`
	ToolArgs   json.RawMessage  `json:"toolArgs"`
	ExpiresAt  time.Time        `json:"expiresAt"`
}

type ApprovalResolved struct {
	ApprovalID types.ApprovalID     `json:"approvalId"`
	Approved   bool                 `json:"approved"`
	Status     types.ApprovalStatus `json:"status"`
	ResolvedBy types.Principal      `json:"resolvedBy,omitempty"`
	Reason     string               `json:"reason,omitempty"`
}

type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Result    string `json:"result"`
	Success   bool   `json:"success"`
}

type Complete struct {
	Reason string `json:"reason"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
