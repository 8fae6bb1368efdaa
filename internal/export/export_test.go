package export

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// captureLogProcessor records every emitted log record.
type captureLogProcessor struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (p *captureLogProcessor) OnEmit(_ context.Context, r *sdklog.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, *r)
	return nil
}

func (p *captureLogProcessor) Enabled(context.Context, sdklog.EnabledParameters) bool { return true }

func (p *captureLogProcessor) Shutdown(context.Context) error   { return nil }
func (p *captureLogProcessor) ForceFlush(context.Context) error { return nil }

func (p *captureLogProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func testExportConfig() Config {
	return Config{
		SampleRatio:    1.0,
		QueueSize:      64,
		BatchSize:      8,
		FlushInterval:  20 * time.Millisecond,
		MaxRetries:     1,
		MetricInterval: time.Minute,
	}
}

func TestNewWithOverrides(t *testing.T) {
	spanExp := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	logProc := &captureLogProcessor{}

	e, err := New(context.Background(), testExportConfig(), resource.Default(), testLogger(), Overrides{
		SpanExporter: spanExp,
		MetricReader: reader,
		LogProcessor: logProc,
	})
	require.NoError(t, err)
	require.NotNil(t, e.Queue())

	// Spans flow through the queue to the injected exporter.
	_, span := e.TracerProvider().Tracer("test").Start(context.Background(), "op")
	span.End()
	require.NoError(t, e.ForceFlush(context.Background()))
	spans := spanExp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name)

	// Instruments record through the injected reader.
	counter, err := e.MeterProvider().Meter("test").Int64Counter("test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)

	// Slog records reach the log processor through the bridge.
	bridge := e.SlogBridge("test")
	require.NotNil(t, bridge)
	slog.New(bridge).Info("hello")
	assert.GreaterOrEqual(t, logProc.count(), 1)

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestNewWithoutEndpoint(t *testing.T) {
	e, err := New(context.Background(), testExportConfig(), resource.Default(), testLogger(), Overrides{})
	require.NoError(t, err)

	assert.Nil(t, e.Queue())
	assert.Nil(t, e.SlogBridge("test"))

	// Recording still works in process: span contexts are valid even
	// though nothing is exported.
	ctx, span := e.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	span.End()

	require.NoError(t, e.ForceFlush(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestSampleRatioZeroDropsSpans(t *testing.T) {
	spanExp := tracetest.NewInMemoryExporter()
	cfg := testExportConfig()
	cfg.SampleRatio = 0

	e, err := New(context.Background(), cfg, resource.Default(), testLogger(), Overrides{
		SpanExporter: spanExp,
	})
	require.NoError(t, err)

	_, span := e.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, e.ForceFlush(context.Background()))
	assert.Empty(t, spanExp.GetSpans())

	require.NoError(t, e.Shutdown(context.Background()))
}
