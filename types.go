package kodama

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kodama/internal/metrics"
	"github.com/ashita-ai/kodama/internal/middleware"
	"github.com/ashita-ai/kodama/internal/reqctx"
	"github.com/ashita-ai/kodama/internal/tracing"
)

// Handler is an http.Handler that can fail by returning an error; the
// pipeline boundary classifies the error and writes the response.
type Handler = middleware.Handler

// Classification is the boundary's verdict on a failure; Classifier
// extends the policy table (first match wins, built-ins as fallback).
type (
	Classification = middleware.Classification
	Classifier     = middleware.Classifier
)

// Problem is the error response body (application/problem+json).
type Problem = middleware.Problem

// Tag is a string key/value metric tag. Keys must be declared with the
// instrument; values must be low-cardinality.
type Tag = metrics.Tag

// Instrument handles returned by the Declare* methods. Handles are
// nil-safe: recording on a nil handle is a no-op.
type (
	Counter       = metrics.Counter
	Histogram     = metrics.Histogram
	UpDownCounter = metrics.UpDownCounter
)

// Error classes used by the built-in policy table.
const (
	ClassValidation = middleware.ClassValidation
	ClassNotFound   = middleware.ClassNotFound
	ClassConflict   = middleware.ClassConflict
	ClassTimeout    = middleware.ClassTimeout
	ClassCanceled   = middleware.ClassCanceled
	ClassInternal   = middleware.ClassInternal
)

// SpanStatus is a span's outcome. Spans start Unset; Error is never
// downgraded once set.
type SpanStatus int

const (
	StatusUnset SpanStatus = iota
	StatusOK
	StatusError
)

// Span is a handle on an open trace span. A single goroutine should own
// mutation; reads are safe concurrently. Every mutation after End is a
// silent no-op.
type Span struct {
	otel trace.Span
}

// SetTag records a scalar attribute on the span. Non-scalar values are
// stringified.
func (s *Span) SetTag(key string, value any) {
	switch v := value.(type) {
	case string:
		s.otel.SetAttributes(attribute.String(key, v))
	case bool:
		s.otel.SetAttributes(attribute.Bool(key, v))
	case int:
		s.otel.SetAttributes(attribute.Int(key, v))
	case int64:
		s.otel.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.otel.SetAttributes(attribute.Float64(key, v))
	default:
		s.otel.SetAttributes(attribute.String(key, fmt.Sprint(v)))
	}
}

// AddEvent records a point-in-time event on the span.
func (s *Span) AddEvent(name string, tags ...Tag) {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for _, t := range tags {
		attrs = append(attrs, attribute.String(t.Key, t.Value))
	}
	s.otel.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetStatus resolves the span outcome.
func (s *Span) SetStatus(status SpanStatus, message string) {
	switch status {
	case StatusOK:
		s.otel.SetStatus(codes.Ok, message)
	case StatusError:
		s.otel.SetStatus(codes.Error, message)
	}
}

// RecordError attaches an exception event to the span. It does not change
// the span status; pair with SetStatus(StatusError, ...) when the span
// itself failed.
func (s *Span) RecordError(err error) {
	s.otel.RecordError(err)
}

// End completes the span.
func (s *Span) End() {
	s.otel.End()
}

// TraceID returns the span's trace id in hex, or "" for an invalid span.
func (s *Span) TraceID() string {
	if sc := s.otel.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TraceID returns the trace id carried by ctx, or "" when no span is
// active. Handlers use it to stamp the id on side channels (emails, audit
// records) the pipeline does not see.
func TraceID(ctx context.Context) string {
	return tracing.TraceID(ctx)
}

// RequestID returns the request id assigned by the pipeline, or "".
func RequestID(ctx context.Context) string {
	return reqctx.RequestIDFromContext(ctx)
}

// MarkValidationError flags the current request as a validation failure.
// The flag is set-once: repeated calls within a request still count a
// single validation error. Returning a Validation(...) error from a
// handler sets it automatically.
func MarkValidationError(ctx context.Context) {
	if state := reqctx.StateFromContext(ctx); state != nil {
		state.MarkValidation()
	}
}
