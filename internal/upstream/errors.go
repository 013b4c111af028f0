package upstream

import (
	"errors"
	"fmt"
)

// ErrorCode classifies upstream failures for callers. Every error the
// client returns is an *Error carrying one of these codes, a
// user-facing message, and the underlying cause.
type ErrorCode string

const (
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeAPIUnavailable ErrorCode = "API_UNAVAILABLE"
	CodeInvalidAddress ErrorCode = "INVALID_ADDRESS"
	CodeNoData         ErrorCode = "NO_DATA"
	CodeNetworkError   ErrorCode = "NETWORK_ERROR"
	CodeAPIKeyInvalid  ErrorCode = "API_KEY_INVALID"
	CodeCircuitOpen    ErrorCode = "CIRCUIT_BREAKER_OPEN"
)

// Error is the typed failure surface of the upstream client.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf extracts the ErrorCode from an error chain, or "" if the error
// did not originate in this package.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// retryable reports whether a failed attempt is worth repeating:
// transient network faults, upstream 5xx, and 429 throttling. Auth
// failures, bad addresses, and an open breaker are terminal.
func retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetworkError, CodeAPIUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}
