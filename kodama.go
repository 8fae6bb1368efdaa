// Package kodama is a request-scoped telemetry pipeline for HTTP services:
// per-request RED metrics, trace spans, and correlated structured logs that
// share one trace id, with failure classification and async batched export
// that never blocks the response path.
//
// Services embed it around a plain http.ServeMux:
//
//	pipe, err := kodama.New(ctx,
//	    kodama.WithServiceName("orders"),
//	    kodama.WithCollectorEndpoint("otel-collector:4318", true),
//	)
//	if err != nil { ... }
//	defer pipe.Shutdown(context.Background())
//
//	mux := http.NewServeMux()
//	mux.Handle("GET /orders/{id}", pipe.Handler(getOrder))
//	http.ListenAndServe(":8080", pipe.Middleware()(mux))
//
// The import graph enforces a strict no-cycle rule: kodama (root) imports
// internal/*, but internal/* never imports kodama (root). Public types are
// aliases or thin wrappers declared at the root; the typed *Error check
// lives here because this is the only package that sees both sides of the
// boundary.
package kodama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/ashita-ai/kodama/internal/config"
	"github.com/ashita-ai/kodama/internal/export"
	"github.com/ashita-ai/kodama/internal/logging"
	"github.com/ashita-ai/kodama/internal/metrics"
	"github.com/ashita-ai/kodama/internal/middleware"
	"github.com/ashita-ai/kodama/internal/resource"
	"github.com/ashita-ai/kodama/internal/route"
	"github.com/ashita-ai/kodama/internal/tracing"
)

// instrumentationName scopes the tracer, meter, and log bridge the pipeline
// creates for itself.
const instrumentationName = "kodama"

// Pipeline is the assembled telemetry pipeline. Construct with New(), tear
// down with Shutdown(). Pipeline has no public fields; configure it with
// options and the KODAMA_* environment variables.
type Pipeline struct {
	cfg      config.Config
	enabled  bool
	logger   *slog.Logger
	exporter *export.Exporter // nil when disabled
	tracer   *tracing.Provider
	registry *metrics.Registry
	chain    *middleware.Chain
}

// New assembles the pipeline: resource identity, the three export pillars,
// the correlated logger, the metric catalog, and the middleware chain.
// Nothing is installed into process globals, so two pipelines in one
// process stay independent. ctx bounds construction only; background work
// runs until Shutdown.
func New(ctx context.Context, opts ...Option) (*Pipeline, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kodama: %w", err)
	}
	applyOverrides(&cfg, &o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kodama: %w", err)
	}

	if !cfg.Enabled {
		return newDisabled(cfg, logger, &o)
	}

	exclusions, err := route.NewExclusions(cfg.ExcludedPaths)
	if err != nil {
		return nil, fmt.Errorf("kodama: %w", err)
	}

	res, err := resource.New(ctx, resource.Identity{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("kodama: %w", err)
	}

	exp, err := export.New(ctx, export.Config{
		Endpoint:       cfg.CollectorEndpoint,
		Insecure:       cfg.CollectorInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
		QueueSize:      cfg.QueueSize,
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		MaxRetries:     cfg.MaxRetries,
		MetricInterval: cfg.MetricInterval,
	}, res, logger, export.Overrides{
		SpanExporter: o.spanExporter,
		MetricReader: o.metricReader,
		LogProcessor: o.logProcessor,
	})
	if err != nil {
		return nil, fmt.Errorf("kodama: %w", err)
	}

	// Correlated logger: every record emitted under an active span carries
	// trace_id/span_id/request_id; when log export is on, records also fan
	// out to the collector.
	sink := logger.Handler()
	if bridge := exp.SlogBridge(instrumentationName); bridge != nil {
		sink = logging.Fanout(sink, bridge)
	}
	plogger := slog.New(logging.NewHandler(sink))

	registry := metrics.New(exp.MeterProvider().Meter(instrumentationName), plogger)
	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		_ = exp.Shutdown(context.Background())
		return nil, fmt.Errorf("kodama: %w", err)
	}

	tracer := tracing.New(exp.TracerProvider())

	chain := middleware.NewChain(middleware.Config{
		Logger:        plogger,
		Metrics:       httpMetrics,
		Tracing:       tracer,
		Exclusions:    exclusions,
		SlowThreshold: cfg.SlowRequestThreshold,
		Classifier:    composeClassifier(o.classifier),
		NotFound:      o.notFound,
	})

	plogger.Info("telemetry pipeline ready",
		"service", cfg.ServiceName,
		"endpoint", cfg.CollectorEndpoint,
		"sample_ratio", cfg.TraceSampleRatio,
		"excluded_paths", exclusions.Patterns(),
	)

	return &Pipeline{
		cfg:      cfg,
		enabled:  true,
		logger:   plogger,
		exporter: exp,
		tracer:   tracer,
		registry: registry,
		chain:    chain,
	}, nil
}

// newDisabled builds the zero-overhead variant: noop providers back every
// handle, Middleware is an identity wrapper, and nothing is exported. The
// boundary still classifies errors, so handler behavior does not change
// when telemetry is switched off.
func newDisabled(cfg config.Config, logger *slog.Logger, o *resolvedOptions) (*Pipeline, error) {
	registry := metrics.New(noopmetric.NewMeterProvider().Meter(instrumentationName), logger)
	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("kodama: %w", err)
	}
	tracer := tracing.New(nooptrace.NewTracerProvider())

	chain := middleware.NewChain(middleware.Config{
		Logger:     logger,
		Metrics:    httpMetrics,
		Tracing:    tracer,
		Classifier: composeClassifier(o.classifier),
		NotFound:   o.notFound,
	})

	logger.Info("telemetry pipeline disabled")

	return &Pipeline{
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		registry: registry,
		chain:    chain,
	}, nil
}

// applyOverrides lets explicit options win over environment configuration.
func applyOverrides(cfg *config.Config, o *resolvedOptions) {
	if o.enabledSet {
		cfg.Enabled = o.enabled
	}
	if o.serviceName != "" {
		cfg.ServiceName = o.serviceName
	}
	if o.serviceVersion != "" {
		cfg.ServiceVersion = o.serviceVersion
	}
	if o.environment != "" {
		cfg.Environment = o.environment
	}
	if o.endpointSet {
		cfg.CollectorEndpoint = o.endpoint
		cfg.CollectorInsecure = o.insecure
	}
	if o.excludedSet {
		cfg.ExcludedPaths = o.excludedPaths
	}
	if o.ratioSet {
		cfg.TraceSampleRatio = o.sampleRatio
	}
	if o.queueSize != 0 {
		cfg.QueueSize = o.queueSize
	}
	if o.batchSize != 0 {
		cfg.BatchSize = o.batchSize
	}
	if o.flushInterval != 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.retriesSet {
		cfg.MaxRetries = o.maxRetries
	}
	if o.metricInterval != 0 {
		cfg.MetricInterval = o.metricInterval
	}
	if o.slowSet {
		cfg.SlowRequestThreshold = o.slowThreshold
	}
}

// composeClassifier layers the user classifier over the typed *Error
// check. Both run before the boundary's built-in policy table; the user
// classifier is consulted first so applications can override even the
// typed mapping.
func composeClassifier(user Classifier) Classifier {
	return func(err error) (Classification, bool) {
		if user != nil {
			if cl, ok := user(err); ok {
				return cl, true
			}
		}
		var kerr *Error
		if errors.As(err, &kerr) {
			return Classification{Status: kerr.Status, Class: kerr.Class, Detail: kerr.Detail}, true
		}
		return Classification{}, false
	}
}

// Middleware returns the wrapper that instruments every request: request-ID
// assignment, the telemetry interceptor, and the error boundary, outermost
// first. Wrap the *http.ServeMux itself so requests can be pre-matched to
// their route template. Disabled pipelines return the handler unchanged.
func (p *Pipeline) Middleware() func(http.Handler) http.Handler {
	if !p.enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return p.chain.Middleware()
}

// Handler wraps an error-returning handler with the boundary: a returned
// error is classified, logged server-side, and written as a redacted
// problem+json body carrying the trace id.
func (p *Pipeline) Handler(h Handler) http.Handler {
	return p.chain.Handle(h)
}

// StartSpan opens a child span under the request's root span. Callers must
// End it; ending a child after the parent is fine.
func (p *Pipeline) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &Span{otel: span}
}

// Logger returns the correlated logger. Records emitted under an active
// span carry trace_id/span_id, so application logs land next to the
// pipeline's own summary lines.
func (p *Pipeline) Logger() *slog.Logger {
	return p.logger
}

// Transport wraps base with trace propagation and client span recording
// for outbound calls. A nil base wraps http.DefaultTransport. Disabled
// pipelines return base unchanged.
func (p *Pipeline) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !p.enabled {
		return base
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(p.exporter.TracerProvider()),
		otelhttp.WithMeterProvider(p.exporter.MeterProvider()),
		otelhttp.WithPropagators(p.tracer.Propagator()),
	)
}

// DeclareCounter registers a monotonic counter with a closed tag-key set.
// Declare instruments once at startup; recording with an undeclared tag
// key drops the tag and logs the violation.
func (p *Pipeline) DeclareCounter(name, unit, description string, tagKeys ...string) (*Counter, error) {
	return p.registry.Counter(name, unit, description, tagKeys...)
}

// DeclareHistogram registers a histogram with explicit bucket boundaries.
func (p *Pipeline) DeclareHistogram(name, unit, description string, boundaries []float64, tagKeys ...string) (*Histogram, error) {
	return p.registry.Histogram(name, unit, description, boundaries, tagKeys...)
}

// DeclareUpDownCounter registers a gauge-like additive instrument.
func (p *Pipeline) DeclareUpDownCounter(name, unit, description string, tagKeys ...string) (*UpDownCounter, error) {
	return p.registry.UpDownCounter(name, unit, description, tagKeys...)
}

// ForceFlush pushes buffered telemetry to the collector within the ctx
// deadline. No-op when nothing is exported.
func (p *Pipeline) ForceFlush(ctx context.Context) error {
	if p.exporter == nil {
		return nil
	}
	return p.exporter.ForceFlush(ctx)
}

// Shutdown drains buffered telemetry and stops the pipeline. Call it after
// the HTTP server has drained so final request telemetry is included; ctx
// bounds the drain.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.exporter == nil {
		return nil
	}
	p.logger.Info("telemetry pipeline shutting down", "service", p.cfg.ServiceName)
	return p.exporter.Shutdown(ctx)
}

// DroppedSpans reports spans lost to queue overflow or exhausted export
// retries since startup.
func (p *Pipeline) DroppedSpans() int64 {
	if p.exporter == nil || p.exporter.Queue() == nil {
		return 0
	}
	return p.exporter.Queue().Dropped()
}

// Enabled reports whether the pipeline is active.
func (p *Pipeline) Enabled() bool {
	return p.enabled
}
