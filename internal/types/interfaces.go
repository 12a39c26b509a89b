package types

import (
	"context"
	"time"
)

// SessionStore persists sessions and their ownership.
type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, owner Principal) (SessionID, error)
	Create(ctx context.Context, owner Principal) (*Session, error)
	Get(ctx context.Context, id SessionID) (*Session, error)
	Owner(ctx context.Context, id SessionID) (Principal, error)
	List(ctx context.Context, owner Principal) ([]*Session, error)
	Touch(ctx context.Context, id SessionID) error
	Archive(ctx context.Context, id SessionID) error
	ArchiveIdle(ctx context.Context, before time.Time) (int64, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, sessionID SessionID, afterSeq int64, limit int) ([]*Event, error)
	MaxSeq(ctx context.Context, sessionID SessionID) (int64, error)
}

type TurnStore interface {
	SaveTurn(ctx context.Context, turn *Turn) error
	GetTurn(ctx context.Context, id TurnID) (*Turn, error)
}

type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID SessionID, limit int) ([]*Message, error)
}

type ApprovalStore interface {
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id ApprovalID) (*ApprovalRequest, error)
	// CompareAndSetStatus moves the request from `from` to `to` in a single
	// conditional update. It returns false when the current status is not
	// `from` (someone else won).
	CompareAndSetStatus(ctx context.Context, id ApprovalID, from, to ApprovalStatus, by Principal, reason string, at time.Time) (bool, error)
	ListPendingBefore(ctx context.Context, deadline time.Time) ([]*ApprovalRequest, error)
	ListApprovals(ctx context.Context, sessionID SessionID) ([]*ApprovalRequest, error)
}

// Counter hands out per-key monotonically increasing integers starting at 1.
type Counter interface {
	Next(ctx context.Context, sessionID SessionID) (int64, error)
}
