package core

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates error categories across the engine. The set is stable:
// adapters map raw backend failures into one of these at the lowest layer and
// business logic branches on Kind, never on backend error strings.
type Kind string

const (
	KindInvalidInput  Kind = "invalid_input"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient"
	KindRateLimited   Kind = "rate_limited"
	KindPartialResult Kind = "partial_result"
	KindFatalConfig   Kind = "fatal_config"
	KindInternal      Kind = "internal"
)

// Error is the engine-wide discriminated error. Fields carries structured
// detail such as offending field paths or a retry-after hint.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and message.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NewErrorf builds a kinded error from a format string.
func NewErrorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithField attaches a structured detail and returns the error for chaining.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 2)
	}
	e.Fields[key] = value
	return e
}

// KindOf extracts the Kind from any error in the chain, defaulting to
// KindInternal for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error should be retried with backoff.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransient)
}

// RetryAfterHint reads the retry-after detail from a rate-limited error.
func RetryAfterHint(err error) (time.Duration, bool) {
	var engineErr *Error
	if !errors.As(err, &engineErr) || engineErr.Kind != KindRateLimited {
		return 0, false
	}
	if hint, ok := engineErr.Fields["retry_after"].(time.Duration); ok {
		return hint, true
	}
	return 0, false
}
