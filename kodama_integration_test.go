package kodama_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kodama"
	"github.com/ashita-ai/kodama/internal/testutil"
)

var collector *testutil.TestContainer

func TestMain(m *testing.M) {
	collector = testutil.MustStartCollector()
	code := m.Run()
	collector.Terminate()
	os.Exit(code)
}

// TestCollectorRoundTrip pushes all three pillars through real OTLP/HTTP
// export and verifies nothing is dropped on the way out.
func TestCollectorRoundTrip(t *testing.T) {
	pipe, err := kodama.New(context.Background(),
		kodama.WithLogger(testutil.TestLogger()),
		kodama.WithServiceName("kodama-integration"),
		kodama.WithCollectorEndpoint(collector.Endpoint, true),
		kodama.WithFlushInterval(100*time.Millisecond),
		kodama.WithMetricInterval(100*time.Millisecond),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /orders/{id}", pipe.Handler(func(w http.ResponseWriter, r *http.Request) error {
		if r.PathValue("id") == "missing" {
			return kodama.NotFound("order")
		}
		pipe.Logger().InfoContext(r.Context(), "order served", "order_id", r.PathValue("id"))
		w.WriteHeader(http.StatusOK)
		return nil
	}))
	srv := httptest.NewServer(pipe.Middleware()(mux))
	defer srv.Close()

	for _, target := range []string{"/orders/1", "/orders/2", "/orders/missing"} {
		resp, err := http.Get(srv.URL + target)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	require.NoError(t, pipe.ForceFlush(context.Background()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pipe.Shutdown(shutdownCtx))
	assert.Zero(t, pipe.DroppedSpans())

	// The collector's debug exporter prints one summary line per received
	// batch; seeing the traces line proves the OTLP hop end to end.
	assert.Eventually(t, func() bool {
		logs, err := collector.Logs(context.Background())
		return err == nil && strings.Contains(logs, `"data_type": "traces"`)
	}, 15*time.Second, 500*time.Millisecond)
}
