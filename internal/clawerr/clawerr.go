// Package clawerr defines the gateway's error taxonomy used for routing
// failures to retries, fallbacks, or user-facing messages.
package clawerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling decisions (retry, fallback, abort).
type Kind string

const (
	KindInput             Kind = "input_error"
	KindAuth              Kind = "auth_error"
	KindTransport         Kind = "transport_error"
	KindAgent             Kind = "agent_error"
	KindTimeout           Kind = "timeout_error"
	KindFallbackExhausted Kind = "fallback_exhausted"
	KindFatal             Kind = "fatal"
)

// Error wraps an underlying error with a Kind and optional context fields.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "session.Enqueue"
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for fmt.Errorf-style wrapping that preserves Kind.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("%s: %w", msg, err)}
}

// KindOf extracts the Kind from err, walking the unwrap chain.
// Returns ("", false) if err (or anything it wraps) is not a *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind matches k.
func Is(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// Retryable reports whether the error's Kind is worth retrying against the
// same provider (transient conditions), as opposed to needing a fallback
// to a different model/provider or user intervention.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindTimeout || kind == KindTransport
}

// FallbackWorthy reports whether the error's Kind should trigger advancing
// to the next model in the fallback chain rather than surfacing to the user.
func FallbackWorthy(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindAuth, KindTimeout, KindTransport, KindAgent:
		return true
	default:
		return false
	}
}
