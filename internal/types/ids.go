package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type TurnID string
type EventID string
type MessageID string
type ApprovalID string

// Principal is the authenticated identity behind a transport connection.
// It is only ever derived from the transport's credentials.
type Principal string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewApprovalID() ApprovalID {
	return ApprovalID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
