// Package state provides the SQLite-backed relational store for sessions,
// turns, events, messages, approvals and per-session sequence counters.
package state

import "github.com/user/turnstile/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*Store)(nil)
var _ types.TurnStore = (*Store)(nil)
var _ types.EventStore = (*Store)(nil)
var _ types.MessageStore = (*Store)(nil)
var _ types.ApprovalStore = (*Store)(nil)
var _ types.Counter = (*Store)(nil)
var _ types.Counter = (*MemoryCounter)(nil)
