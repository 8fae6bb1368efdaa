// Package export stands up the OTLP transport for all three telemetry
// pillars and owns the span queue.
//
// Architecture:
//
//	span.End() → OnEnd → bounded queue → flush loop → OTLP/HTTP → collector
//	meter instruments → periodic reader ──────────────────────────┘
//	slog records → otelslog bridge → batch processor ─────────────┘
//
// The queue never blocks the request path: at capacity the span is dropped
// and counted. A batch that fails to export is retried a bounded number of
// times, then dropped and counted. Dropping is the documented policy, not a
// failure mode; the counters make it observable.
package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// QueueConfig bounds the span queue.
type QueueConfig struct {
	Capacity      int           // max buffered spans; Enqueue drops beyond it
	BatchSize     int           // early flush threshold
	FlushInterval time.Duration // max time a span waits before a flush attempt
	MaxRetries    int           // export attempts per batch before dropping it
}

// Queue accumulates ended spans and flushes them to the exporter when
// either the batch size or the flush interval is reached. It implements
// sdktrace.SpanProcessor, so a tracer provider feeds it directly.
type Queue struct {
	exporter sdktrace.SpanExporter
	logger   *slog.Logger
	cfg      QueueConfig

	mu       sync.Mutex
	spans    []sdktrace.ReadOnlySpan
	pending  []sdktrace.ReadOnlySpan // failed batch awaiting retry
	attempts int                     // export attempts already made for pending

	droppedSpans atomic.Int64 // total spans dropped (capacity or retry exhaustion)

	flushMu    sync.Mutex // serializes flush bodies (loop, ForceFlush, Drain)
	flushCh    chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so the final flush respects the caller's deadline
}

// NewQueue creates a span queue over the exporter. Call Start to begin the
// background flush loop.
func NewQueue(exporter sdktrace.SpanExporter, logger *slog.Logger, cfg QueueConfig) *Queue {
	return &Queue{
		exporter: exporter,
		logger:   logger,
		cfg:      cfg,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush loop. Call Drain (or Shutdown) to stop.
func (q *Queue) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancelLoop = cancel
	go q.flushLoop(loopCtx)
}

// Enqueue adds a span to the queue. Never blocks and never reports an
// error to the caller: at capacity the span is dropped and counted.
func (q *Queue) Enqueue(s sdktrace.ReadOnlySpan) {
	q.mu.Lock()
	if len(q.spans)+len(q.pending) >= q.cfg.Capacity {
		q.mu.Unlock()
		q.droppedSpans.Add(1)
		return
	}
	q.spans = append(q.spans, s)
	signal := len(q.spans) >= q.cfg.BatchSize
	q.mu.Unlock()

	if signal {
		select {
		case q.flushCh <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain; ctx
			// itself is already cancelled.
			drainCtx := q.drainCtx
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			// Keep flushing until the queue is empty or progress stops, so
			// a drain ships the pending batch and whatever accumulated
			// behind it.
			for q.flush(drainCtx) {
			}
			close(q.done)
			return
		case <-ticker.C:
			q.flush(ctx)
		case <-q.flushCh:
			q.flush(ctx)
		}
	}
}

// flush exports one batch. Reports whether it made progress (exported or
// dropped something), which the drain loop uses as its stop condition.
func (q *Queue) flush(ctx context.Context) bool {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if q.pending == nil {
		if len(q.spans) == 0 {
			q.mu.Unlock()
			return false
		}
		q.pending = q.spans
		q.spans = nil
		q.attempts = 0
	}
	batch := q.pending
	q.mu.Unlock()

	start := time.Now()
	err := q.exporter.ExportSpans(ctx, batch)
	duration := time.Since(start)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		q.attempts++
		if q.attempts > q.cfg.MaxRetries {
			q.droppedSpans.Add(int64(len(batch)))
			q.pending = nil
			q.attempts = 0
			q.logger.Error("span export retries exhausted, dropping batch",
				"error", err,
				"batch_size", len(batch),
			)
			return true
		}
		q.logger.Warn("span export failed, will retry",
			"error", err,
			"batch_size", len(batch),
			"attempt", q.attempts,
		)
		return false
	}

	q.pending = nil
	q.attempts = 0
	q.logger.Debug("span batch exported",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
	return true
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. The ctx deadline bounds both the wait and the final export.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainCtx = ctx
	if q.cancelLoop == nil {
		// Start was never called; flush inline.
		for q.flush(ctx) {
		}
		return ctx.Err()
	}
	q.stopOnce.Do(q.cancelLoop)
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.logger.Warn("span queue drain timed out waiting for flush loop")
		return ctx.Err()
	}
}

// registerMetrics registers observable gauges for queue health. Called once
// after the meter provider exists.
func (q *Queue) registerMetrics(meter metric.Meter) {
	_, _ = meter.Int64ObservableGauge("kodama.export.queue.depth",
		metric.WithDescription("Spans currently buffered for export."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kodama.export.dropped_total",
		metric.WithDescription("Spans dropped at capacity or after retry exhaustion."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.Dropped())
			return nil
		}),
	)
}

// Len returns the number of spans currently buffered, including a pending
// retry batch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.spans) + len(q.pending)
}

// Dropped returns the total number of spans dropped. A non-zero value
// means telemetry loss, never request-path impact.
func (q *Queue) Dropped() int64 {
	return q.droppedSpans.Load()
}
