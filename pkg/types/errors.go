package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures into the taxonomy the runtime acts on.
// Kinds are names, not behaviors: callers decide retry/skip/abort per kind.
type ErrorKind string

const (
	// KindUnavailable: upstream (broker or market data) cannot serve the
	// request now. Surfaced; retried next cycle.
	KindUnavailable ErrorKind = "unavailable"
	// KindTimeout: a bounded wait elapsed. Surfaced; retried next cycle.
	KindTimeout ErrorKind = "timeout"
	// KindDisconnected: session lost; scheduler and sync short-circuit
	// until reconnect.
	KindDisconnected ErrorKind = "disconnected"
	// KindConflict: broker reports our state is inconsistent (e.g. an
	// order rejected by the broker's own compliance). Not retried.
	KindConflict ErrorKind = "conflict"
	// KindInvalidRequest: input failed validation. Never retried.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindBlockedByRisk: the risk engine returned blocked. Counted, not
	// retried this cycle.
	KindBlockedByRisk ErrorKind = "blocked_by_risk"
	// KindDataInconsistency: store and broker disagree about a position.
	KindDataInconsistency ErrorKind = "data_inconsistency"
	// KindCapacity: a bounded resource is full (connection cap, queue).
	KindCapacity ErrorKind = "capacity"
	// KindInternal: uncaught defect. Cycle continues; counted in stats.
	KindInternal ErrorKind = "internal"
)

// Error carries an ErrorKind through a call chain. Op identifies the failing
// operation ("broker.connect", "positions.sync") for logs and status output.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain. Context deadline errors map
// to timeout, context cancellation to unavailable; anything untagged is
// internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
