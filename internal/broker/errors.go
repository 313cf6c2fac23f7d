package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a broker failure. The set is closed: every failure
// surfaced by a broker client maps to exactly one kind.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "network"
	KindAuth              ErrorKind = "auth"
	KindRateLimit         ErrorKind = "rate_limit"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"

	// KindUnavailable is returned by the resilient wrapper while an endpoint's
	// circuit is open. Raw clients never produce it.
	KindUnavailable ErrorKind = "unavailable"
)

// Error is the failure type returned by all broker operations.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("broker %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a broker error with the given kind and detail.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError creates a broker error wrapping an underlying cause.
func WrapError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the error kind from err. Non-broker errors report
// KindInternal; nil reports an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given broker error kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	}
	return false
}
