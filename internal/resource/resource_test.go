package resource

import (
	"context"
	"os"
	"strconv"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewCarriesIdentity(t *testing.T) {
	res, err := New(context.Background(), Identity{
		ServiceName:    "orders",
		ServiceVersion: "1.2.3",
		Environment:    "staging",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}

	if got := attrs[string(semconv.ServiceNameKey)]; got != "orders" {
		t.Fatalf("service.name: expected orders, got %q", got)
	}
	if got := attrs[string(semconv.ServiceVersionKey)]; got != "1.2.3" {
		t.Fatalf("service.version: expected 1.2.3, got %q", got)
	}
	if got := attrs[string(semconv.DeploymentEnvironmentKey)]; got != "staging" {
		t.Fatalf("deployment.environment: expected staging, got %q", got)
	}
	if got := attrs[string(semconv.ProcessPIDKey)]; got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("process.pid: expected %d, got %q", os.Getpid(), got)
	}
	if attrs[string(semconv.HostNameKey)] == "" {
		t.Fatal("host.name should be populated")
	}
	// Merge with the defaults keeps SDK attribution.
	if attrs["telemetry.sdk.name"] == "" {
		t.Fatal("telemetry.sdk.name should be present after merging defaults")
	}
}
