package kodama

import (
	"log/slog"
	"time"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option configures a Pipeline.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions. The *Set flags exist
// where the zero value is itself a meaningful override.
type resolvedOptions struct {
	logger *slog.Logger

	enabled    bool
	enabledSet bool

	serviceName    string
	serviceVersion string
	environment    string

	endpoint    string
	insecure    bool
	endpointSet bool

	excludedPaths []string
	excludedSet   bool

	sampleRatio float64
	ratioSet    bool

	queueSize      int
	batchSize      int
	flushInterval  time.Duration
	maxRetries     int
	retriesSet     bool
	metricInterval time.Duration

	slowThreshold time.Duration
	slowSet       bool

	classifier Classifier
	notFound   []error

	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
	logProcessor sdklog.Processor
}

// WithLogger sets the base structured logger. The pipeline wraps it with
// trace correlation; retrieve the wrapped logger via Pipeline.Logger.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithEnabled overrides KODAMA_ENABLED. A disabled pipeline is a no-op
// passthrough: Middleware returns the handler unchanged and telemetry
// handles are inert.
func WithEnabled(enabled bool) Option {
	return func(o *resolvedOptions) { o.enabled = enabled; o.enabledSet = true }
}

// WithServiceName overrides KODAMA_SERVICE_NAME / OTEL_SERVICE_NAME.
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.serviceName = name }
}

// WithServiceVersion overrides KODAMA_SERVICE_VERSION.
func WithServiceVersion(version string) Option {
	return func(o *resolvedOptions) { o.serviceVersion = version }
}

// WithEnvironment overrides KODAMA_ENVIRONMENT (the
// deployment.environment resource attribute).
func WithEnvironment(env string) Option {
	return func(o *resolvedOptions) { o.environment = env }
}

// WithCollectorEndpoint overrides KODAMA_COLLECTOR_ENDPOINT. The endpoint
// is host:port, shared by all three OTLP pillars; insecure selects plain
// HTTP. An empty endpoint keeps telemetry in-process without export.
func WithCollectorEndpoint(endpoint string, insecure bool) Option {
	return func(o *resolvedOptions) {
		o.endpoint = endpoint
		o.insecure = insecure
		o.endpointSet = true
	}
}

// WithExcludedPaths replaces KODAMA_EXCLUDED_PATHS. Patterns are
// path.Match globs; a matching request produces no span, no metrics, and
// no summary log line.
func WithExcludedPaths(globs ...string) Option {
	return func(o *resolvedOptions) { o.excludedPaths = globs; o.excludedSet = true }
}

// WithSampleRatio overrides KODAMA_TRACE_SAMPLE_RATIO, the parent-based
// head sampling ratio in [0.0, 1.0].
func WithSampleRatio(ratio float64) Option {
	return func(o *resolvedOptions) { o.sampleRatio = ratio; o.ratioSet = true }
}

// WithQueueSize overrides KODAMA_EXPORT_QUEUE_SIZE, the bounded span
// queue capacity. Spans beyond it are dropped and counted.
func WithQueueSize(n int) Option {
	return func(o *resolvedOptions) { o.queueSize = n }
}

// WithBatchSize overrides KODAMA_EXPORT_BATCH_SIZE, the early-flush
// threshold.
func WithBatchSize(n int) Option {
	return func(o *resolvedOptions) { o.batchSize = n }
}

// WithFlushInterval overrides KODAMA_EXPORT_FLUSH_INTERVAL, the longest a
// buffered span waits before a flush attempt.
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithMaxRetries overrides KODAMA_EXPORT_MAX_RETRIES, the export attempts
// per batch before it is dropped. Zero drops a failed batch immediately.
func WithMaxRetries(n int) Option {
	return func(o *resolvedOptions) { o.maxRetries = n; o.retriesSet = true }
}

// WithMetricInterval overrides KODAMA_METRIC_INTERVAL, the periodic
// metric export interval.
func WithMetricInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.metricInterval = d }
}

// WithSlowRequestThreshold overrides KODAMA_SLOW_REQUEST_THRESHOLD.
// Requests slower than the threshold get a span event and a warn log;
// zero disables the annotation.
func WithSlowRequestThreshold(d time.Duration) Option {
	return func(o *resolvedOptions) { o.slowThreshold = d; o.slowSet = true }
}

// WithClassifier prepends a classifier to the boundary policy table.
// It is consulted before the typed *Error check and the built-ins;
// returning ok=false falls through.
func WithClassifier(fn Classifier) Option {
	return func(o *resolvedOptions) { o.classifier = fn }
}

// WithNotFoundError registers sentinel errors the boundary maps to 404.
// Matching uses errors.Is, so wrapped sentinels are recognized.
func WithNotFoundError(targets ...error) Option {
	return func(o *resolvedOptions) { o.notFound = append(o.notFound, targets...) }
}

// WithSpanExporter replaces the OTLP trace exporter. Used by tests to
// capture spans in memory; also the hook for alternative transports.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *resolvedOptions) { o.spanExporter = exp }
}

// WithMetricReader replaces the periodic OTLP metric reader, typically
// with a manual reader in tests.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *resolvedOptions) { o.metricReader = r }
}

// WithLogProcessor replaces the OTLP log batch processor.
func WithLogProcessor(p sdklog.Processor) Option {
	return func(o *resolvedOptions) { o.logProcessor = p }
}
