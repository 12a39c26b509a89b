package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code carried on error events.
type ErrorCode string

const (
	CodeRateLimited    ErrorCode = "rate_limited"
	CodeOverloaded     ErrorCode = "overloaded"
	CodeAuthFailed     ErrorCode = "auth_failed"
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeTimeout        ErrorCode = "timeout"
	CodeProvider       ErrorCode = "provider_error"
)

// Error wraps a provider failure with a classified code.
type Error struct {
	Code       ErrorCode
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s (status %d): %v", e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeForStatus maps an HTTP status to an error code.
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusServiceUnavailable || status == 529:
		return CodeOverloaded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthFailed
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 400 && status < 500:
		return CodeInvalidRequest
	default:
		return CodeProvider
	}
}

// NewStatusError builds an Error from an HTTP status.
func NewStatusError(status int, err error) *Error {
	return &Error{Code: CodeForStatus(status), StatusCode: status, Err: err}
}

// CodeOf returns the code for any error returned by a Provider.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeProvider
}
