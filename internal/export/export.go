package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// queueMeterScope is the instrumentation scope for queue health gauges.
const queueMeterScope = "kodama/export"

// Config carries the transport settings for all three pillars.
type Config struct {
	Endpoint       string // collector host:port; empty disables export
	Insecure       bool
	SampleRatio    float64
	QueueSize      int
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	MetricInterval time.Duration
}

// Overrides replace the OTLP exporters, used by tests to capture telemetry
// in memory. A non-nil field wins over the endpoint-derived default.
type Overrides struct {
	SpanExporter sdktrace.SpanExporter
	MetricReader sdkmetric.Reader
	LogProcessor sdklog.Processor
}

// Exporter owns the provider set and the span queue. Providers are
// instance-scoped: nothing is installed into the otel globals, so two
// pipelines in one process stay independent.
type Exporter struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider // nil when logs are not exported
	queue          *Queue                 // nil when spans are not exported
	logger         *slog.Logger
}

// New builds the tracer, meter, and logger providers. With an empty
// endpoint and no overrides the pipeline still records in process (span
// contexts propagate, instruments accept writes) but nothing leaves the
// process. The span queue's flush loop runs until Shutdown; ctx only
// bounds construction.
func New(ctx context.Context, cfg Config, res *resource.Resource, logger *slog.Logger, ov Overrides) (*Exporter, error) {
	e := &Exporter{logger: logger}

	spanExp := ov.SpanExporter
	if spanExp == nil && cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		var err error
		spanExp, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("export: create trace exporter: %w", err)
		}
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if spanExp != nil {
		e.queue = NewQueue(spanExp, logger, QueueConfig{
			Capacity:      cfg.QueueSize,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			MaxRetries:    cfg.MaxRetries,
		})
		e.queue.Start(context.Background())
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(e.queue))
	}
	e.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)

	reader := ov.MetricReader
	if reader == nil && cfg.Endpoint != "" {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		metricExp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			_ = e.tracerProvider.Shutdown(ctx)
			return nil, fmt.Errorf("export: create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)
	}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
	}
	e.meterProvider = sdkmetric.NewMeterProvider(mpOpts...)

	logProc := ov.LogProcessor
	if logProc == nil && cfg.Endpoint != "" {
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		logExp, err := otlploghttp.New(ctx, opts...)
		if err != nil {
			_ = e.tracerProvider.Shutdown(ctx)
			_ = e.meterProvider.Shutdown(ctx)
			return nil, fmt.Errorf("export: create log exporter: %w", err)
		}
		logProc = sdklog.NewBatchProcessor(logExp)
	}
	if logProc != nil {
		e.loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(logProc),
		)
	}

	if e.queue != nil {
		e.queue.registerMetrics(e.meterProvider.Meter(queueMeterScope))
	}

	return e, nil
}

// TracerProvider returns the pipeline's tracer provider.
func (e *Exporter) TracerProvider() *sdktrace.TracerProvider {
	return e.tracerProvider
}

// MeterProvider returns the pipeline's meter provider.
func (e *Exporter) MeterProvider() *sdkmetric.MeterProvider {
	return e.meterProvider
}

// Queue returns the span queue, or nil when spans are not exported.
func (e *Exporter) Queue() *Queue {
	return e.queue
}

// SlogBridge returns a handler that forwards slog records to the log
// exporter, or nil when logs are not exported.
func (e *Exporter) SlogBridge(name string) slog.Handler {
	if e.loggerProvider == nil {
		return nil
	}
	return otelslog.NewHandler(name, otelslog.WithLoggerProvider(e.loggerProvider))
}

// ForceFlush pushes everything buffered in all three pillars to the
// collector and blocks until delivered or ctx expires.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.tracerProvider.ForceFlush(ctx) })
	g.Go(func() error { return e.meterProvider.ForceFlush(ctx) })
	if e.loggerProvider != nil {
		g.Go(func() error { return e.loggerProvider.ForceFlush(ctx) })
	}
	return g.Wait()
}

// Shutdown drains the queue, performs a final export for each pillar, and
// releases exporter connections. Safe to call once; ctx bounds the drain.
func (e *Exporter) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.tracerProvider.Shutdown(ctx) })
	g.Go(func() error { return e.meterProvider.Shutdown(ctx) })
	if e.loggerProvider != nil {
		g.Go(func() error { return e.loggerProvider.Shutdown(ctx) })
	}
	return g.Wait()
}
