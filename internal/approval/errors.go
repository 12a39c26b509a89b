package approval

import (
	"errors"
	"fmt"

	"github.com/user/turnstile/internal/types"
)

// Code classifies a failed resolution attempt.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeAlreadyResolved Code = "ALREADY_RESOLVED"
	CodeExpired         Code = "EXPIRED"
)

// Error is returned by Resolve. Compare with errors.Is against the
// sentinels below.
type Error struct {
	Code       Code
	ApprovalID types.ApprovalID
}

func (e *Error) Error() string {
	if e.ApprovalID == "" {
		return fmt.Sprintf("approval: %s", e.Code)
	}
	return fmt.Sprintf("approval %s: %s", e.ApprovalID, e.Code)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized}
	ErrAlreadyResolved = &Error{Code: CodeAlreadyResolved}
	ErrExpired         = &Error{Code: CodeExpired}
)

// CodeOf extracts the resolution code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code Code, id types.ApprovalID) error {
	return &Error{Code: code, ApprovalID: id}
}
