// Package middleware implements the request pipeline: request-ID
// assignment, the telemetry interceptor, and the error boundary.
//
// Chain order (outermost first):
//
//	requestID → interceptor → boundary → handler
//
// The interceptor opens the server span, wraps the response writer, and
// defers the completion hook; the boundary resolves errors and panics
// before that hook runs, so the hook always observes the final status. The
// interceptor itself never recovers: a panic that escapes the boundary is
// recorded as a 500 and keeps propagating.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kodama/internal/metrics"
	"github.com/ashita-ai/kodama/internal/reqctx"
	"github.com/ashita-ai/kodama/internal/route"
	"github.com/ashita-ai/kodama/internal/tracing"
)

// Config carries the chain's collaborators.
type Config struct {
	Logger        *slog.Logger
	Metrics       *metrics.HTTPMetrics
	Tracing       *tracing.Provider
	Exclusions    *route.Exclusions
	SlowThreshold time.Duration
	Classifier    Classifier // consulted before the built-in policy table
	NotFound      []error    // extra sentinels mapped to 404
}

// Chain builds the pipeline middleware stages.
type Chain struct {
	logger        *slog.Logger
	metrics       *metrics.HTTPMetrics
	tracing       *tracing.Provider
	exclusions    *route.Exclusions
	slowThreshold time.Duration
	classifier    Classifier
	notFound      []error
}

// NewChain creates the middleware chain from its collaborators.
func NewChain(cfg Config) *Chain {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		logger:        logger,
		metrics:       cfg.Metrics,
		tracing:       cfg.Tracing,
		exclusions:    cfg.Exclusions,
		slowThreshold: cfg.SlowThreshold,
		classifier:    cfg.Classifier,
		notFound:      cfg.NotFound,
	}
}

// Middleware returns the full chain as a wrapper. When next implements
// route.Matcher (as *http.ServeMux does) requests are pre-matched so the
// span name and metric tags carry the route template; otherwise every
// request records under the unmatched sentinel.
func (c *Chain) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		matcher, _ := next.(route.Matcher)
		return c.RequestID(c.intercept(matcher, c.Boundary(next)))
	}
}

// RequestID assigns a unique request ID to each request, honoring an
// incoming X-Request-ID header, and echoes it on the response.
func (c *Chain) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := reqctx.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// intercept is the telemetry stage: it opens the server span, counts the
// request in flight, and defers the exactly-once completion hook. Excluded
// paths pass straight through and produce no telemetry at all.
func (c *Chain) intercept(matcher route.Matcher, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.exclusions.Excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := c.tracing.Extract(r.Context(), r.Header)

		tmpl := route.Unmatched
		if matcher != nil {
			tmpl = route.Template(matcher, r)
		}

		ctx, span := c.tracing.Start(ctx, r.Method+" "+tmpl,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", tmpl),
				attribute.String("http.request_id", reqctx.RequestIDFromContext(ctx)),
			),
		)

		state := &reqctx.State{
			Method:        r.Method,
			RouteTemplate: tmpl,
			RawPath:       r.URL.Path,
		}
		ctx = reqctx.WithState(ctx, state)

		if sc := span.SpanContext(); sc.IsSampled() {
			w.Header().Set("X-Trace-ID", sc.TraceID().String())
		}

		c.metrics.ActiveRequests.Add(ctx, 1)

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		finished := false

		defer func() {
			if !state.BeginCompletion() {
				return
			}
			status := wrapped.statusCode
			if !finished && !wrapped.wroteHeader {
				// Panic escaped the boundary before anything was written.
				status = http.StatusInternalServerError
			}
			c.finish(ctx, span, state, status, time.Since(start), wrapped.bytes)
		}()

		next.ServeHTTP(wrapped, r.WithContext(ctx))
		finished = true
	})
}

// finish is the completion hook body: span finalization, RED metrics, and
// the correlated summary log line. It runs exactly once per request and
// never panics; its own failures are logged and swallowed so an unwinding
// handler panic keeps propagating untouched.
func (c *Chain) finish(ctx context.Context, span trace.Span, state *reqctx.State, status int, elapsed time.Duration, bytes int64) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("completion hook failure", "panic", rec)
		}
	}()

	statusStr := strconv.Itoa(status)
	slow := c.slowThreshold > 0 && elapsed >= c.slowThreshold

	span.SetAttributes(attribute.String("http.status_code", statusStr))
	if status >= http.StatusInternalServerError {
		// No-op when the boundary already set Error with a message.
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	if slow {
		span.AddEvent("slow_request", trace.WithAttributes(
			attribute.Int64("duration_ms", elapsed.Milliseconds()),
		))
	}
	span.End()

	base := []metrics.Tag{
		{Key: metrics.KeyMethod, Value: state.Method},
		{Key: metrics.KeyRoute, Value: state.RouteTemplate},
	}
	durationMS := float64(elapsed) / float64(time.Millisecond)

	c.metrics.Requests.Add(ctx, 1,
		metrics.Tag{Key: metrics.KeyMethod, Value: state.Method},
		metrics.Tag{Key: metrics.KeyRoute, Value: state.RouteTemplate},
		metrics.Tag{Key: metrics.KeyStatus, Value: statusStr},
	)
	c.metrics.Duration.Record(ctx, durationMS, base...)
	if status >= http.StatusBadRequest {
		class := metrics.ClassClientError
		if status >= http.StatusInternalServerError {
			class = metrics.ClassServerError
		}
		c.metrics.Errors.Add(ctx, 1,
			metrics.Tag{Key: metrics.KeyMethod, Value: state.Method},
			metrics.Tag{Key: metrics.KeyRoute, Value: state.RouteTemplate},
			metrics.Tag{Key: metrics.KeyStatus, Value: statusStr},
			metrics.Tag{Key: metrics.KeyErrorClass, Value: class},
		)
	}
	if state.ValidationMarked() {
		c.metrics.ValidationErrs.Add(ctx, 1, base...)
	}
	c.metrics.ActiveRequests.Add(ctx, -1)

	attrs := []any{
		"method", state.Method,
		"route", state.RouteTemplate,
		"path", state.RawPath,
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
		"bytes", bytes,
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	} else if status >= http.StatusBadRequest {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "http request", attrs...)

	if slow {
		c.logger.Log(ctx, slog.LevelWarn, "slow http request",
			"method", state.Method,
			"route", state.RouteTemplate,
			"duration_ms", elapsed.Milliseconds(),
			"threshold_ms", c.slowThreshold.Milliseconds(),
		)
	}
}
