package escrow

import (
	"errors"
	"fmt"
)

// Kind classifies an escrow operation failure. The first five are
// expected caller outcomes; ledger and persistence failures are
// operational incidents logged with full context and surfaced to the
// caller as generic retryable failures.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindInvalidState       Kind = "invalid_state"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindLedgerFailure      Kind = "ledger_failure"
	KindPersistenceFailure Kind = "persistence_failure"
)

// Error is the typed result every escrow operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is matching against a bare kind error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Expected reports whether the error is a recoverable caller outcome
// rather than an operational incident.
func (e *Error) Expected() bool {
	switch e.Kind {
	case KindLedgerFailure, KindPersistenceFailure:
		return false
	default:
		return true
	}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from err, or empty string if err is not an
// escrow error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
