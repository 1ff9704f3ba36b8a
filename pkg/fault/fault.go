// Package fault defines the closed set of error kinds used across the
// engine, plus the transient/permanent classification that drives the
// retry ladders in the model client, the researcher, and the worker pool.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a failure category. The set is closed: every error that
// crosses a component boundary is one of these.
type Kind string

const (
	BadRequest    Kind = "bad_request"
	Unauthorized  Kind = "unauthorized"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	Throttled     Kind = "throttled"
	Timeout       Kind = "timeout"
	ProviderError Kind = "provider_error"
	BadResponse   Kind = "bad_response"
	UnknownAgent  Kind = "unknown_agent"
	CycleDetected Kind = "cycle_detected"
	CycleExceeded Kind = "cycle_exceeded"
	NoSources     Kind = "no_sources"
	Cancelled     Kind = "cancelled"
	Internal      Kind = "internal"
)

// Fault is the engine's error type. It wraps an optional cause and, for
// Throttled, carries the earliest time a retry could succeed.
type Fault struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	if f.Message == "" {
		if f.Err != nil {
			return fmt.Sprintf("%s: %v", f.Kind, f.Err)
		}
		return string(f.Kind)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// Throttle creates a Throttled fault carrying the retry hint.
func Throttle(retryAfter time.Duration, format string, args ...any) *Fault {
	return &Fault{Kind: Throttled, Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf extracts the kind from an error. Context errors map to Timeout and
// Cancelled; anything unrecognized is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Internal
}

// Is lets errors.Is match a fault against a bare-kind fault target.
func (f *Fault) Is(target error) bool {
	var tf *Fault
	if errors.As(target, &tf) {
		return f.Kind == tf.Kind
	}
	return false
}

// RetryAfterOf returns the throttle hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// IsTransient reports whether the error is worth retrying. Timeouts,
// throttling, and upstream provider errors are transient; everything else
// (shape failures, unknown agents, cycles, cancellation) is permanent.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case Timeout, Throttled, ProviderError:
		return true
	default:
		return false
	}
}
