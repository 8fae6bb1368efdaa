// Package reqctx provides shared per-request context accessors.
//
// The interceptor, the error boundary, the correlated logger, and the public
// facade all need to read or mutate the same request-scoped telemetry state.
// They import reqctx instead of each other, which keeps the middleware
// stages free of circular imports.
package reqctx

import (
	"context"
	"sync/atomic"
)

type contextKey string

const (
	keyState     contextKey = "state"
	keyRequestID contextKey = "request_id"
)

// State is the mutable telemetry state for one in-flight request. It is
// created at request entry, owned exclusively by that request, and read for
// the last time when the completion hook fires. Fields set at entry are
// immutable afterward; the flags use atomics because cancellation can race
// the response path.
type State struct {
	Method        string
	RouteTemplate string
	RawPath       string // kept for the error body instance; never a metric tag

	validationError atomic.Bool
	completed       atomic.Bool
}

// MarkValidation sets the validation-error flag. Setting it twice is
// harmless; the flag never resets for the lifetime of the request.
func (s *State) MarkValidation() {
	s.validationError.Store(true)
}

// ValidationMarked reports whether the request was flagged as a validation
// failure.
func (s *State) ValidationMarked() bool {
	return s.validationError.Load()
}

// BeginCompletion marks the request as completed and reports whether the
// caller won the race to do so. The completion hook records metrics only
// when this returns true, which is what makes recording exactly-once.
func (s *State) BeginCompletion() bool {
	return s.completed.CompareAndSwap(false, true)
}

// WithState returns a new context carrying the request telemetry state.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, keyState, s)
}

// StateFromContext extracts the request telemetry state from the context.
// Returns nil for requests outside the pipeline (excluded paths, disabled
// pipeline, background work).
func StateFromContext(ctx context.Context) *State {
	if v, ok := ctx.Value(keyState).(*State); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
