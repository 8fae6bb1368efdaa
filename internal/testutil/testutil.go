// Package testutil provides shared test infrastructure for integration tests
// that require an OpenTelemetry Collector container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    collector = testutil.MustStartCollector()
//	    code := m.Run()
//	    collector.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// collectorImage is pinned so the readiness log line stays stable across runs.
const collectorImage = "otel/opentelemetry-collector:0.111.0"

// The collector's stock config binds the OTLP receiver to localhost inside
// the container, unreachable from the host. This one listens on all
// interfaces and routes every signal to the debug exporter.
//
//go:embed collector.yaml
var collectorConfig []byte

// TestContainer wraps a collector container with the host endpoint tests
// should hand to the pipeline as the OTLP/HTTP target.
type TestContainer struct {
	Container testcontainers.Container
	Endpoint  string
}

// MustStartCollector starts an OpenTelemetry Collector container that accepts
// OTLP/HTTP on a mapped port and echoes received telemetry to its own stdout.
// Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartCollector() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        collectorImage,
		ExposedPorts: []string{"4318/tcp"},
		Files: []testcontainers.ContainerFile{
			{
				Reader:            bytes.NewReader(collectorConfig),
				ContainerFilePath: "/etc/otelcol/config.yaml",
				FileMode:          0o444,
			},
		},
		WaitingFor: wait.ForLog("Everything is ready").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start collector: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "4318")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	return &TestContainer{
		Container: container,
		Endpoint:  fmt.Sprintf("%s:%s", host, port.Port()),
	}
}

// Logs returns everything the collector has written to stdout and stderr
// so far. The debug exporter prints one summary block per received batch.
func (tc *TestContainer) Logs(ctx context.Context) (string, error) {
	rc, err := tc.Container.Logs(ctx)
	if err != nil {
		return "", fmt.Errorf("testutil: read collector logs: %w", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("testutil: read collector logs: %w", err)
	}
	return string(data), nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
