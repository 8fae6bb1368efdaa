package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// captureExporter records exported spans and can be told to fail the
// first N export calls.
type captureExporter struct {
	mu        sync.Mutex
	spans     []sdktrace.ReadOnlySpan
	calls     int
	failCalls int // first failCalls exports fail; -1 fails every call
	shutdowns int
}

func (c *captureExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failCalls == -1 || c.calls <= c.failCalls {
		return errors.New("collector unavailable")
	}
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *captureExporter) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns++
	return nil
}

func (c *captureExporter) exported() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans)
}

func (c *captureExporter) exportCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stubSpan(name string) sdktrace.ReadOnlySpan {
	return tracetest.SpanStub{Name: name}.Snapshot()
}

func TestQueueFlushesOnBatchSize(t *testing.T) {
	exp := &captureExporter{}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      100,
		BatchSize:     4,
		FlushInterval: time.Hour,
		MaxRetries:    1,
	})
	q.Start(context.Background())
	defer q.Drain(context.Background())

	for i := 0; i < 4; i++ {
		q.Enqueue(stubSpan("s"))
	}

	require.Eventually(t, func() bool { return exp.exported() == 4 },
		time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, q.Dropped())
}

func TestQueueFlushesOnInterval(t *testing.T) {
	exp := &captureExporter{}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      100,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		MaxRetries:    1,
	})
	q.Start(context.Background())
	defer q.Drain(context.Background())

	q.Enqueue(stubSpan("a"))
	q.Enqueue(stubSpan("b"))

	require.Eventually(t, func() bool { return exp.exported() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestQueueDropsAtCapacity(t *testing.T) {
	exp := &captureExporter{}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      3,
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    1,
	})
	// No Start: nothing drains, so the capacity bound is observable.

	for i := 0; i < 5; i++ {
		q.Enqueue(stubSpan("s"))
	}

	assert.Equal(t, 3, q.Len())
	assert.EqualValues(t, 2, q.Dropped())
}

func TestQueueRetriesExhaustedDropsBatch(t *testing.T) {
	exp := &captureExporter{failCalls: -1}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      100,
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    2,
	})
	q.Start(context.Background())
	defer q.Drain(context.Background())

	q.Enqueue(stubSpan("doomed"))

	// Initial attempt plus two retries, then the batch is dropped.
	require.Eventually(t, func() bool { return q.Dropped() == 1 },
		time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, exp.exportCalls(), 3)
	assert.Equal(t, 0, exp.exported())
}

func TestQueueRetrySucceeds(t *testing.T) {
	exp := &captureExporter{failCalls: 1}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      100,
		BatchSize:     1,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    3,
	})
	q.Start(context.Background())
	defer q.Drain(context.Background())

	q.Enqueue(stubSpan("survivor"))

	require.Eventually(t, func() bool { return exp.exported() == 1 },
		time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, q.Dropped())
}

func TestQueueDrainFlushesRemainder(t *testing.T) {
	exp := &captureExporter{}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      100,
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    1,
	})
	q.Start(context.Background())

	q.Enqueue(stubSpan("a"))
	q.Enqueue(stubSpan("b"))
	q.Enqueue(stubSpan("c"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	assert.Equal(t, 3, exp.exported())
	assert.Equal(t, 0, q.Len())
}

func TestQueueAsSpanProcessor(t *testing.T) {
	exp := &captureExporter{}
	q := NewQueue(exp, testLogger(), QueueConfig{
		Capacity:      100,
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    1,
	})
	q.Start(context.Background())

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(q),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "one")
	span.End()
	_, span = tracer.Start(context.Background(), "two")
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	assert.Equal(t, 2, exp.exported())

	require.NoError(t, tp.Shutdown(context.Background()))
	exp.mu.Lock()
	shutdowns := exp.shutdowns
	exp.mu.Unlock()
	assert.Equal(t, 1, shutdowns)
}
