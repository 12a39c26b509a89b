package types

import (
	"encoding/json"
	"time"
)

// Persistence tells whether an event is a durable, sequenced fact or a
// live-only signal.
type Persistence string

const (
	Transient Persistence = "transient"
	Persisted Persistence = "persisted"
)

// Event is the unit delivered to joined connections. Seq is set if and only
// if Persistence is Persisted.
type Event struct {
	ID          EventID         `json:"id"`
	Type        string          `json:"type"`
	SessionID   SessionID       `json:"sessionId"`
	TurnID      TurnID          `json:"turnId,omitempty"`
	At          time.Time       `json:"timestamp"`
	Persistence Persistence     `json:"persistenceState"`
	Seq         *int64          `json:"sequenceNumber,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IsPersisted reports whether the event carries a sequence number.
func (e *Event) IsPersisted() bool {
	return e.Persistence == Persisted
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

type Session struct {
	ID         SessionID     `json:"session_id"`
	Key        SessionKey    `json:"session_key,omitempty"`
	Owner      Principal     `json:"owner"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	ArchivedAt *time.Time    `json:"archived_at,omitempty"`
}

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnRunning  TurnStatus = "running"
	TurnComplete TurnStatus = "complete"
	TurnFailed   TurnStatus = "error"
)

// Turn is one user-message-to-terminal-event cycle.
type Turn struct {
	ID         TurnID     `json:"id"`
	SessionID  SessionID  `json:"session_id"`
	Status     TurnStatus `json:"status"`
	StopReason string     `json:"stop_reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Role of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is persisted user or assistant content belonging to a turn.
type Message struct {
	ID         MessageID `json:"id"`
	SessionID  SessionID `json:"session_id"`
	TurnID     TurnID    `json:"turn_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Thinking   string    `json:"thinking,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolInvocation is one tool call requested by the model and its outcome.
type ToolInvocation struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Result    string          `json:"result,omitempty"`
	Success   *bool           `json:"success,omitempty"`
}

// ApprovalStatus is the state of an approval request. Only pending may
// transition, and only once.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status is final.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

type ApprovalRequest struct {
	ID          ApprovalID      `json:"id"`
	SessionID   SessionID       `json:"session_id"`
	TurnID      TurnID          `json:"turn_id"`
	ToolUseID   string          `json:"tool_use_id"`
	ToolName    string          `json:"tool_name"`
	ToolArgs    json.RawMessage `json:"tool_args"`
	Status      ApprovalStatus  `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy  Principal       `json:"resolved_by,omitempty"`
}

// InboundMessage is a user message submitted through any transport.
type InboundMessage struct {
	Source         string    `json:"source"`
	SessionID      SessionID `json:"session_id"`
	Principal      Principal `json:"principal"`
	Text           string    `json:"text"`
	Thinking       bool      `json:"thinking,omitempty"`
	ThinkingBudget int       `json:"thinking_budget,omitempty"`
}
