package task

import "errors"

// Kind classifies an error per the propagation policy in spec.md §7: which
// errors are locally recovered (retry/backoff) versus surfaced unchanged.
type Kind string

const (
	KindConfig          Kind = "config"          // missing host/port/instance; fatal at startup
	KindNotFound        Kind = "not_found"       // queue, task, or group absent
	KindConflict        Kind = "conflict"        // optimistic-concurrency invalidation; retried internally
	KindRateLimited     Kind = "rate_limited"    // group admission blocked by sliding window
	KindLockUnavailable Kind = "lock_unavailable" // group lock could not be acquired
	KindHandlerMissing  Kind = "handler_missing" // worker has no registration for the task name
	KindTimeout         Kind = "timeout"         // attempt exceeded its configured timeout
	KindTransientStore  Kind = "transient_store" // store connectivity/auth failure
)

// Error is a typed error carrying a Kind so callers can branch on
// classification instead of string-matching, and the underlying cause for
// diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an *Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == kind
}

// Retriable reports whether the propagation policy (§7) treats this error
// kind as locally recoverable: conflict, timeout and lock_unavailable are
// retriable; everything else surfaces to the caller unchanged.
func Retriable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindConflict, KindTimeout, KindLockUnavailable:
		return true
	default:
		return false
	}
}
