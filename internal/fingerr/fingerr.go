// Package fingerr defines the shared error-kind taxonomy used across the
// daemon's components (spec §7). Components return errors, never panic
// across boundaries; callers that need to branch on kind use Is/As with the
// sentinel Kind values below.
package fingerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the abstract kinds from the
// orchestration spec's error taxonomy.
type Kind string

const (
	Validation        Kind = "validation"
	ResourceShortage  Kind = "resource_shortage"
	Timeout           Kind = "timeout"
	MalformedDecision Kind = "malformed_decision"
	StopEscalation    Kind = "stop_escalation"
	Unauthorized      Kind = "unauthorized"
	QuotaExhausted    Kind = "quota_exhausted"
	Transient         Kind = "transient"
	Fatal             Kind = "fatal"
	UserInterrupt     Kind = "user_interrupt"
)

// Error wraps an underlying error with a classification kind and optional
// context fields used for logging/event payloads.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a new kinded error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithContext attaches diagnostic fields and returns the receiver for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 1)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind from err, walking the unwrap chain. Returns ""
// when err carries no *Error in its chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err (or something it wraps) is a fingerr.Error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// Retryable reports whether the kernel bridge retry policy (spec §4.10)
// should retry an error of this kind: timeouts, transient failures, and
// selected HTTP statuses carried as Transient. Auth/quota errors never retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, Transient:
		return true
	default:
		return false
	}
}
