package export

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// *Queue implements sdktrace.SpanProcessor so the tracer provider feeds
// ended spans straight into the bounded queue.
var _ sdktrace.SpanProcessor = (*Queue)(nil)

// OnStart is a no-op; the queue only cares about completed spans.
func (q *Queue) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd enqueues the completed span. Non-blocking.
func (q *Queue) OnEnd(s sdktrace.ReadOnlySpan) {
	q.Enqueue(s)
}

// Shutdown drains the queue and shuts the exporter down.
func (q *Queue) Shutdown(ctx context.Context) error {
	drainErr := q.Drain(ctx)
	if err := q.exporter.Shutdown(ctx); err != nil {
		return err
	}
	return drainErr
}

// ForceFlush exports everything currently buffered. A batch that fails
// here stays queued; the background loop retries it.
func (q *Queue) ForceFlush(ctx context.Context) error {
	for q.flush(ctx) {
	}
	return ctx.Err()
}
