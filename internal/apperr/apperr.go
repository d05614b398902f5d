// Package apperr defines the small, closed set of error kinds the core
// distinguishes. Workers and repositories wrap underlying errors with a
// Kind so that callers — the queue's retry path, the status worker's
// circuit-breaker bookkeeping, the UI layer reading NeedsReauthentication —
// can branch on a stable vocabulary instead of string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds callers branch on.
type Kind int

const (
	// KindValidation: caller input violates a contract. Never retried.
	KindValidation Kind = iota
	// KindNotFound: entity missing.
	KindNotFound
	// KindInvalidState: transition forbidden by the download state machine.
	KindInvalidState
	// KindTransient: external call failed recoverably; drives queue retry.
	KindTransient
	// KindRateLimited: subtype of transient; caller should respect backoff.
	KindRateLimited
	// KindNeedsReauthentication: token refresh saw an invalid_grant-like signal.
	KindNeedsReauthentication
	// KindFatal: programming error or corruption; orchestrator marks worker failed.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNeedsReauthentication:
		return "needs_reauthentication"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "queue.Dequeue"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindFatal for errors that
// were never tagged — an untagged error escaping a handler is itself a bug.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Validation, NotFound, InvalidState, Transient, RateLimited,
// NeedsReauth and Fatal are small convenience constructors.

func Validation(op string, err error) *Error   { return New(KindValidation, op, err) }
func NotFound(op string, err error) *Error     { return New(KindNotFound, op, err) }
func InvalidState(op string, err error) *Error { return New(KindInvalidState, op, err) }
func Transient(op string, err error) *Error    { return New(KindTransient, op, err) }
func RateLimited(op string, err error) *Error  { return New(KindRateLimited, op, err) }
func NeedsReauth(op string, err error) *Error  { return New(KindNeedsReauthentication, op, err) }
func Fatal(op string, err error) *Error        { return New(KindFatal, op, err) }
