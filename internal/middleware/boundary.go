package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kodama/internal/reqctx"
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned; context.Canceled maps to it.
const StatusClientClosedRequest = 499

// Error classes reported in span status messages and failure logs.
const (
	ClassValidation = "validation"
	ClassNotFound   = "not_found"
	ClassConflict   = "conflict"
	ClassTimeout    = "timeout"
	ClassCanceled   = "canceled"
	ClassInternal   = "internal"
)

// Handler is an http.Handler that can fail by returning an error. A
// non-nil return is resolved by the boundary exactly as a panic would be,
// minus the stack.
type Handler func(w http.ResponseWriter, r *http.Request) error

// Classification is the boundary's verdict on a failure.
type Classification struct {
	Status int
	Class  string
	Detail string // client-safe detail; ignored for 5xx
}

// Classifier maps an error to a classification. Returning ok=false falls
// through to the built-in policy table.
type Classifier func(err error) (Classification, bool)

// Problem is the RFC 7807 style error body. 4xx responses carry a
// specific detail; 5xx responses never leak internals.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// Boundary recovers panics from the wrapped handler and resolves them to a
// 500 problem response. It is the innermost stage, so nothing between it
// and the handler can suppress a panic. http.ErrAbortHandler is re-raised
// untouched.
func (c *Chain) Boundary(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				c.resolvePanic(w, r, rec)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Handle adapts an error-returning handler into the boundary: a returned
// error is classified and written as a problem response.
func (c *Chain) Handle(h Handler) http.Handler {
	return c.Boundary(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			c.resolveError(w, r, err)
		}
	}))
}

// classify runs the ordered policy table: configured classifier first,
// then validation, registered not-found sentinels, context outcomes, and
// finally the 500 default.
func (c *Chain) classify(err error) Classification {
	if c.classifier != nil {
		if cl, ok := c.classifier(err); ok {
			return cl
		}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return Classification{
			Status: http.StatusBadRequest,
			Class:  ClassValidation,
			Detail: verrs.Error(),
		}
	}

	for _, target := range c.notFound {
		if errors.Is(err, target) {
			return Classification{
				Status: http.StatusNotFound,
				Class:  ClassNotFound,
				Detail: "resource not found",
			}
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{
			Status: http.StatusGatewayTimeout,
			Class:  ClassTimeout,
			Detail: "request timed out",
		}
	case errors.Is(err, context.Canceled):
		return Classification{
			Status: StatusClientClosedRequest,
			Class:  ClassCanceled,
			Detail: "request canceled by client",
		}
	}

	return Classification{Status: http.StatusInternalServerError, Class: ClassInternal}
}

func (c *Chain) resolveError(w http.ResponseWriter, r *http.Request, err error) {
	c.resolve(w, r, c.classify(err), err, nil)
}

func (c *Chain) resolvePanic(w http.ResponseWriter, r *http.Request, rec any) {
	err := fmt.Errorf("panic: %v", rec)
	cl := Classification{Status: http.StatusInternalServerError, Class: ClassInternal}
	c.resolve(w, r, cl, err, debug.Stack())
}

// resolve finalizes a failed request: validation flag, span status,
// server-side log with full detail, and the redacted client body. Runs
// before the completion hook because the boundary is nested inside the
// interceptor.
func (c *Chain) resolve(w http.ResponseWriter, r *http.Request, cl Classification, err error, stack []byte) {
	ctx := r.Context()

	if cl.Class == ClassValidation {
		if state := reqctx.StateFromContext(ctx); state != nil {
			state.MarkValidation()
		}
	}

	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, cl.Class)
	if stack != nil {
		span.RecordError(err, trace.WithStackTrace(true))
	} else {
		span.RecordError(err)
	}

	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if traceID == "" {
		traceID = reqctx.RequestIDFromContext(ctx)
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", cl.Status,
		"error_class", cl.Class,
		"error", err,
	}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	level := slog.LevelWarn
	if cl.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "request failed", attrs...)

	if sw, ok := w.(*statusWriter); ok && sw.wroteHeader {
		// Headers already sent; the span and log carry the failure.
		return
	}
	c.writeProblem(w, r, cl, traceID)
}

func (c *Chain) writeProblem(w http.ResponseWriter, r *http.Request, cl Classification, traceID string) {
	detail := cl.Detail
	if cl.Status >= http.StatusInternalServerError || detail == "" {
		detail = statusTitle(cl.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(cl.Status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    statusTitle(cl.Status),
		Status:   cl.Status,
		Detail:   detail,
		Instance: r.Method + " " + r.URL.Path,
		TraceID:  traceID,
	})
}

func statusTitle(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	if status == StatusClientClosedRequest {
		return "Client Closed Request"
	}
	return "Error"
}
