// Package resource builds the process-wide identity attached to all emitted telemetry.
package resource

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Identity describes the process emitting telemetry. Built once at pipeline
// construction and immutable afterward; every span, metric point, and log
// record carries these attributes.
type Identity struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// New resolves the host identity and returns the resource shared by all
// three telemetry pillars. The SDK defaults (telemetry.sdk.*) are merged in
// so collectors can attribute the producing SDK.
func New(ctx context.Context, id Identity) (*resource.Resource, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(id.ServiceName),
			semconv.ServiceVersionKey.String(id.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(id.Environment),
			semconv.HostNameKey.String(host),
			semconv.ProcessPIDKey.Int(os.Getpid()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	merged, err := resource.Merge(resource.Default(), res)
	if err != nil {
		return nil, fmt.Errorf("resource: merge defaults: %w", err)
	}
	return merged, nil
}
