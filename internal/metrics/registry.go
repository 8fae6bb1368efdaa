// Package metrics implements the declared-instrument registry.
//
// Every instrument is declared once with a closed set of allowed tag keys.
// The declaration is the cardinality contract: recording with an undeclared
// key strips the offending tags and logs the violation, so a misbehaving
// call site can degrade its own tags but can never grow the tag space.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Tag is a single metric tag. Values are strings drawn from small fixed
// sets; per-entity identifiers (user ids, raw paths) must never be values.
type Tag struct {
	Key   string
	Value string
}

// Registry declares and owns all instruments for one pipeline.
type Registry struct {
	meter  metric.Meter
	logger *slog.Logger

	mu    sync.Mutex
	names map[string]struct{}

	// violations tracks metric+key offenses already logged, so a hot loop
	// with a bad tag logs once instead of once per request.
	violations sync.Map
}

// New creates an empty registry recording through the given meter.
func New(meter metric.Meter, logger *slog.Logger) *Registry {
	return &Registry{
		meter:  meter,
		logger: logger,
		names:  make(map[string]struct{}),
	}
}

// Counter declares a monotonic counter with the given allowed tag keys.
func (r *Registry) Counter(name, unit, description string, tagKeys ...string) (*Counter, error) {
	allowed, err := r.declare(name, tagKeys)
	if err != nil {
		return nil, err
	}
	c, err := r.meter.Int64Counter(name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: declare counter %q: %w", name, err)
	}
	return &Counter{instrument: instrument{name: name, allowed: allowed, reg: r}, counter: c}, nil
}

// Histogram declares a histogram with explicit bucket boundaries and the
// given allowed tag keys. Nil boundaries fall back to the SDK defaults.
func (r *Registry) Histogram(name, unit, description string, boundaries []float64, tagKeys ...string) (*Histogram, error) {
	allowed, err := r.declare(name, tagKeys)
	if err != nil {
		return nil, err
	}
	opts := []metric.Float64HistogramOption{
		metric.WithUnit(unit),
		metric.WithDescription(description),
	}
	if len(boundaries) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(boundaries...))
	}
	h, err := r.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("metrics: declare histogram %q: %w", name, err)
	}
	return &Histogram{instrument: instrument{name: name, allowed: allowed, reg: r}, hist: h}, nil
}

// UpDownCounter declares a non-monotonic counter (gauge-like) with the
// given allowed tag keys.
func (r *Registry) UpDownCounter(name, unit, description string, tagKeys ...string) (*UpDownCounter, error) {
	allowed, err := r.declare(name, tagKeys)
	if err != nil {
		return nil, err
	}
	c, err := r.meter.Int64UpDownCounter(name,
		metric.WithUnit(unit),
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: declare updown counter %q: %w", name, err)
	}
	return &UpDownCounter{instrument: instrument{name: name, allowed: allowed, reg: r}, counter: c}, nil
}

// declare reserves the metric name and freezes its tag-key set.
// Declaration failures are configuration errors and happen at startup,
// never on the request path.
func (r *Registry) declare(name string, tagKeys []string) (map[string]struct{}, error) {
	if name == "" {
		return nil, fmt.Errorf("metrics: instrument name must not be empty")
	}
	allowed := make(map[string]struct{}, len(tagKeys))
	for _, k := range tagKeys {
		if k == "" {
			return nil, fmt.Errorf("metrics: %q declares an empty tag key", name)
		}
		if _, dup := allowed[k]; dup {
			return nil, fmt.Errorf("metrics: %q declares tag key %q twice", name, k)
		}
		allowed[k] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[name]; exists {
		return nil, fmt.Errorf("metrics: %q already declared", name)
	}
	r.names[name] = struct{}{}
	return allowed, nil
}

// instrument holds the per-instrument tag contract. The allowed set is
// immutable after declaration, so the hot path reads it without locking.
type instrument struct {
	name    string
	allowed map[string]struct{}
	reg     *Registry
}

// attrs converts tags to attributes, dropping any tag whose key is outside
// the declared set. The first offense per metric+key is logged at Error.
func (i *instrument) attrs(tags []Tag) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags))
	for _, t := range tags {
		if _, ok := i.allowed[t.Key]; !ok {
			i.logViolation(t.Key)
			continue
		}
		out = append(out, attribute.String(t.Key, t.Value))
	}
	return out
}

func (i *instrument) logViolation(key string) {
	if _, seen := i.reg.violations.LoadOrStore(i.name+"\x00"+key, struct{}{}); seen {
		return
	}
	i.reg.logger.Error("metric recorded with undeclared tag key; tag dropped",
		"metric", i.name,
		"key", key,
	)
}

// Counter is a monotonic counter handle.
type Counter struct {
	instrument
	counter metric.Int64Counter
}

// Add increments the counter. Safe for concurrent use; tags outside the
// declared key set are dropped.
func (c *Counter) Add(ctx context.Context, delta int64, tags ...Tag) {
	if c == nil {
		return
	}
	c.counter.Add(ctx, delta, metric.WithAttributes(c.attrs(tags)...))
}

// Histogram is a distribution handle.
type Histogram struct {
	instrument
	hist metric.Float64Histogram
}

// Record observes a value. Safe for concurrent use.
func (h *Histogram) Record(ctx context.Context, value float64, tags ...Tag) {
	if h == nil {
		return
	}
	h.hist.Record(ctx, value, metric.WithAttributes(h.attrs(tags)...))
}

// UpDownCounter is a non-monotonic counter handle.
type UpDownCounter struct {
	instrument
	counter metric.Int64UpDownCounter
}

// Add adjusts the counter by delta (negative deltas decrement).
func (u *UpDownCounter) Add(ctx context.Context, delta int64, tags ...Tag) {
	if u == nil {
		return
	}
	u.counter.Add(ctx, delta, metric.WithAttributes(u.attrs(tags)...))
}
