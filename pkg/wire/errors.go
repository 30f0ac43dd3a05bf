package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
)

// Error represents a protocol-level error.
type Error struct {
	Code       uint16  `cbor:"code"`
	Reason     string  `cbor:"reason"`
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // seconds
}

// NewError creates a new protocol error.
func NewError(code uint16, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// NewErrorWithRetry creates a new protocol error with retry-after.
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{Code: code, Reason: reason, RetryAfter: &retryAfter}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("wire error %d: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Reason)
}

// IsRetryable returns true if the error suggests retrying.
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the human-readable name for an error code.
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInvalidSig:
		return "INVALID_SIG"
	case constants.ErrorNotFound:
		return "NOT_FOUND"
	case constants.ErrorNoProvider:
		return "NO_PROVIDER"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}
