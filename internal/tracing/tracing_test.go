package tracing

import (
	"context"
	"net/http"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(tp), recorder
}

func TestStartCreatesParentChildLinkage(t *testing.T) {
	p, recorder := newTestProvider(t)

	ctx, parent := p.Start(context.Background(), "parent")
	_, child := p.Start(ctx, "child")
	child.End()
	parent.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	// Ended() is in end order: child first.
	childRO, parentRO := spans[0], spans[1]
	if childRO.SpanContext().TraceID() != parentRO.SpanContext().TraceID() {
		t.Fatal("child must inherit the parent's TraceId unchanged")
	}
	if childRO.Parent().SpanID() != parentRO.SpanContext().SpanID() {
		t.Fatal("child's parent span id must be the parent span")
	}
}

func TestMutationAfterEndIsNoOp(t *testing.T) {
	p, recorder := newTestProvider(t)

	_, span := p.Start(context.Background(), "op")
	span.End()

	// Straggling instrumentation after End must be silently ignored.
	span.SetName("renamed")
	span.AddEvent("late")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "op" {
		t.Fatalf("ended span must not be renamed, got %q", spans[0].Name())
	}
	if len(spans[0].Events()) != 0 {
		t.Fatalf("ended span must not accept events, got %d", len(spans[0].Events()))
	}
}

func TestExtractContinuesCallerTrace(t *testing.T) {
	p, _ := newTestProvider(t)

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	ctx := p.Extract(context.Background(), h)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		t.Fatal("expected a valid remote span context")
	}
	if sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected trace id: %s", sc.TraceID())
	}

	// A span started under the extracted context continues the trace.
	_, span := p.Start(ctx, "continued")
	defer span.End()
	if span.SpanContext().TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatal("span must continue the extracted trace")
	}
}

func TestInjectWritesTraceparent(t *testing.T) {
	p, _ := newTestProvider(t)

	ctx, span := p.Start(context.Background(), "outbound-parent")
	defer span.End()

	h := http.Header{}
	p.Inject(ctx, h)

	got := h.Get("traceparent")
	if got == "" {
		t.Fatal("expected traceparent header to be injected")
	}
	want := "00-" + span.SpanContext().TraceID().String() + "-" + span.SpanContext().SpanID().String() + "-01"
	if got != want {
		t.Fatalf("traceparent = %q, want %q", got, want)
	}
}

func TestTraceIDHelpers(t *testing.T) {
	p, _ := newTestProvider(t)

	if TraceID(context.Background()) != "" || SpanID(context.Background()) != "" {
		t.Fatal("expected empty ids without an active span")
	}

	ctx, span := p.Start(context.Background(), "op")
	defer span.End()

	if got := TraceID(ctx); len(got) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", got)
	}
	if got := SpanID(ctx); len(got) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", got)
	}
}
