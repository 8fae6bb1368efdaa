package metrics

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestRegistry(t *testing.T, logger *slog.Logger) (*Registry, *sdkmetric.ManualReader) {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return New(mp.Meter("test"), logger), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func findMetric(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

func TestCounterAggregatesPerTagCombination(t *testing.T) {
	reg, reader := newTestRegistry(t, nil)
	ctx := context.Background()

	c, err := reg.Counter("orders.created", "{order}", "Orders created.", "region")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	c.Add(ctx, 1, Tag{Key: "region", Value: "eu"})
	c.Add(ctx, 2, Tag{Key: "region", Value: "eu"})
	c.Add(ctx, 5, Tag{Key: "region", Value: "us"})

	m := findMetric(t, collect(t, reader), "orders.created")
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", m.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 tag combinations, got %d", len(sum.DataPoints))
	}
	byRegion := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("region"))
		byRegion[v.AsString()] = dp.Value
	}
	if byRegion["eu"] != 3 || byRegion["us"] != 5 {
		t.Fatalf("unexpected aggregation: %v", byRegion)
	}
}

func TestUndeclaredTagKeyIsStrippedAndLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	reg, reader := newTestRegistry(t, logger)
	ctx := context.Background()

	c, err := reg.Counter("requests.total", "{request}", "", "route")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	// user_id is not declared: the point must still be recorded, without
	// the offending tag, and the violation logged exactly once.
	c.Add(ctx, 1, Tag{Key: "route", Value: "/orders"}, Tag{Key: "user_id", Value: "u-42"})
	c.Add(ctx, 1, Tag{Key: "route", Value: "/orders"}, Tag{Key: "user_id", Value: "u-43"})

	m := findMetric(t, collect(t, reader), "requests.total")
	sum := m.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected a single tag combination, got %d", len(sum.DataPoints))
	}
	dp := sum.DataPoints[0]
	if dp.Value != 2 {
		t.Fatalf("expected both points recorded, got %d", dp.Value)
	}
	if _, found := dp.Attributes.Value(attribute.Key("user_id")); found {
		t.Fatal("undeclared tag key must not reach the aggregation")
	}

	logged := buf.String()
	if !strings.Contains(logged, "undeclared tag key") || !strings.Contains(logged, "user_id") {
		t.Fatalf("expected violation log mentioning user_id, got: %s", logged)
	}
	if strings.Count(logged, "undeclared tag key") != 1 {
		t.Fatalf("violation should be logged once, got: %s", logged)
	}
}

func TestDuplicateDeclarationFails(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	if _, err := reg.Counter("dup.metric", "", "", "a"); err != nil {
		t.Fatalf("first declaration: %v", err)
	}
	if _, err := reg.Counter("dup.metric", "", "", "a"); err == nil {
		t.Fatal("expected duplicate declaration to fail")
	}
	// A histogram under the same name is still a duplicate.
	if _, err := reg.Histogram("dup.metric", "ms", "", nil, "a"); err == nil {
		t.Fatal("expected cross-kind duplicate to fail")
	}
}

func TestDeclareRejectsBadTagKeys(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	if _, err := reg.Counter("bad.empty", "", "", ""); err == nil {
		t.Fatal("expected empty tag key to fail")
	}
	if _, err := reg.Counter("bad.dup", "", "", "k", "k"); err == nil {
		t.Fatal("expected duplicate tag key to fail")
	}
}

func TestHistogramRecordsWithExplicitBuckets(t *testing.T) {
	reg, reader := newTestRegistry(t, nil)
	ctx := context.Background()

	h, err := reg.Histogram("req.duration", "ms", "", []float64{10, 100, 1000}, "route")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	h.Record(ctx, 12, Tag{Key: "route", Value: "/orders"})
	h.Record(ctx, 450, Tag{Key: "route", Value: "/orders"})

	m := findMetric(t, collect(t, reader), "req.duration")
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", m.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected one datapoint, got %d", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Fatalf("expected 2 observations, got %d", dp.Count)
	}
	if len(dp.Bounds) != 3 || dp.Bounds[0] != 10 || dp.Bounds[2] != 1000 {
		t.Fatalf("explicit bucket boundaries not applied: %v", dp.Bounds)
	}
}

func TestUpDownCounterTracksInFlight(t *testing.T) {
	reg, reader := newTestRegistry(t, nil)
	ctx := context.Background()

	g, err := reg.UpDownCounter("active", "{request}", "")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	g.Add(ctx, 1)
	g.Add(ctx, 1)
	g.Add(ctx, -1)

	m := findMetric(t, collect(t, reader), "active")
	sum := m.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("expected in-flight value 1, got %+v", sum.DataPoints)
	}
}

func TestNilHandlesAreSafe(t *testing.T) {
	var c *Counter
	var h *Histogram
	var u *UpDownCounter
	ctx := context.Background()

	// Must not panic.
	c.Add(ctx, 1)
	h.Record(ctx, 1)
	u.Add(ctx, -1)
}

func TestHTTPMetricsCatalog(t *testing.T) {
	reg, reader := newTestRegistry(t, nil)
	ctx := context.Background()

	hm, err := NewHTTPMetrics(reg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	hm.Requests.Add(ctx, 1,
		Tag{Key: KeyMethod, Value: "GET"},
		Tag{Key: KeyRoute, Value: "/orders/{id}"},
		Tag{Key: KeyStatus, Value: "200"},
	)
	hm.Duration.Record(ctx, 12.5,
		Tag{Key: KeyMethod, Value: "GET"},
		Tag{Key: KeyRoute, Value: "/orders/{id}"},
	)
	hm.ActiveRequests.Add(ctx, 1)

	rm := collect(t, reader)
	for _, name := range []string{
		"http.server.request_count",
		"http.server.duration",
		"http.server.active_requests",
	} {
		findMetric(t, rm, name)
	}

	// Declaring the catalog twice on one registry is a configuration error.
	if _, err := NewHTTPMetrics(reg); err == nil {
		t.Fatal("expected second catalog declaration to fail")
	}
}
