// Package qerr defines the error taxonomy shared by every layer of the
// bridge. Errors carry a machine-readable kind, a human message, and optional
// structured details; the dispatcher is the only place that serializes them
// for clients.
package qerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are stable wire values.
type Kind string

const (
	KindNotConnected      Kind = "NOT_CONNECTED"
	KindTimeout           Kind = "TIMEOUT"
	KindBackpressure      Kind = "BACKPRESSURE"
	KindCircuitOpen       Kind = "CIRCUIT_OPEN"
	KindValidation        Kind = "VALIDATION_ERROR"
	KindAuthRequired      Kind = "AUTH_REQUIRED"
	KindAuthInvalid       Kind = "AUTH_INVALID"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindComponentNotFound Kind = "COMPONENT_NOT_FOUND"
	KindControlNotFound   Kind = "CONTROL_NOT_FOUND"
	KindGroupNotFound     Kind = "CHANGE_GROUP_NOT_FOUND"
	KindGroupExists       Kind = "CHANGE_GROUP_EXISTS"
	KindCoreError         Kind = "CORE_ERROR"
	KindParseError        Kind = "PARSE_ERROR"
	KindCancelled         Kind = "CANCELLED"
	KindInternal          Kind = "INTERNAL"
)

// Error is the concrete error type used across the bridge.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two taxonomy errors by kind, so callers can write
// errors.Is(err, qerr.New(qerr.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	// Keep the innermost taxonomy kind when re-wrapping with INTERNAL.
	var inner *Error
	if kind == KindInternal && errors.As(err, &inner) {
		kind = inner.Kind
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithDetails returns a copy of the error carrying extra structured fields.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	clone := *e
	clone.Details = make(map[string]interface{}, len(details)+len(e.Details))
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	for k, v := range details {
		clone.Details[k] = v
	}
	return &clone
}

// KindOf extracts the taxonomy kind from any error. Unknown errors are
// INTERNAL, context cancellations are CANCELLED.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether a failure may succeed on retry. The adapter uses
// this to gate its per-call retry policy.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindBackpressure:
		return true
	case KindCoreError:
		return coreErrTransient(err)
	default:
		return false
	}
}

func coreErrTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return false
	}
	code, ok := e.Details["coreCode"].(int)
	if !ok {
		return false
	}
	// Q-SYS transient codes: 5 = core busy, 10 = out of resources.
	return code == 5 || code == 10
}
