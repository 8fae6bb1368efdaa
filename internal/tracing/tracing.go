// Package tracing wraps span creation and W3C trace-context propagation.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies the instrumentation scope on every span the
// pipeline opens.
const scopeName = "github.com/ashita-ai/kodama"

// Provider hands out spans from one tracer and owns the propagator. It
// never registers itself with the global OTel state, so two pipelines in
// one process (tests, embedded services) stay isolated.
type Provider struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a Provider over the given tracer provider. The propagator is
// the W3C composite: traceparent/tracestate plus baggage.
func New(tp trace.TracerProvider) *Provider {
	return &Provider{
		tracer: tp.Tracer(scopeName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Start opens a span as a child of whatever span ctx carries; a root span
// when it carries none. The returned context must be used downstream so
// descendants inherit the TraceId.
func (p *Provider) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Extract returns ctx extended with any trace context the inbound headers
// carry, so the request continues its caller's trace.
func (p *Provider) Extract(ctx context.Context, h http.Header) context.Context {
	return p.propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// Inject writes the current trace context into the headers, making the
// active span the parent of whatever the receiver opens.
func (p *Provider) Inject(ctx context.Context, h http.Header) {
	p.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Propagator exposes the composite propagator for outbound transport
// instrumentation.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// TraceID returns the hex trace id of the span in ctx, or "" when no span
// is active.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the hex span id of the span in ctx, or "" when no span is
// active.
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
