// Package logging provides the trace-correlated slog handler.
package logging

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kodama/internal/reqctx"
	"github.com/ashita-ai/kodama/internal/tracing"
)

// Handler wraps a slog.Handler and appends trace_id, span_id, and
// request_id as structured fields to every record whose context carries
// them. Fields are attributes, never string interpolation, so they stay
// queryable in the log backend.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner with trace correlation.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	tid := tracing.TraceID(ctx)
	rid := reqctx.RequestIDFromContext(ctx)
	if tid != "" || rid != "" {
		// Clone before mutating: the caller may hand the same record to
		// other handlers.
		rec = rec.Clone()
		if tid != "" {
			rec.AddAttrs(slog.String("trace_id", tid))
			if sid := tracing.SpanID(ctx); sid != "" {
				rec.AddAttrs(slog.String("span_id", sid))
			}
		}
		if rid != "" {
			rec.AddAttrs(slog.String("request_id", rid))
		}
	}
	return h.inner.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

// Fanout returns a handler forwarding every record to all the given
// handlers. The pipeline uses it to write locally and to the OTLP log
// bridge at the same time.
func Fanout(handlers ...slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return &fanoutHandler{handlers: handlers}
}

type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

// ParseLevel maps a configured level string to a slog level. Unknown
// values fall back to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
