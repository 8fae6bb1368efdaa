// Command kodama-demo is a small orders API wired through the kodama
// telemetry pipeline. Every route exercises a pipeline behavior: typed and
// sentinel error mapping, input validation, child spans around storage,
// outbound trace propagation, a deliberate panic, and an excluded health
// check.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kodama"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KODAMA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	addr := envOr("DEMO_ADDR", ":8080")
	dbPath := envOr("DEMO_DB_PATH", "orders.db")
	receiptURL := os.Getenv("DEMO_RECEIPT_URL")

	slog.Info("kodama-demo starting", "version", version, "addr", addr)

	pipe, err := kodama.New(ctx,
		kodama.WithLogger(logger),
		kodama.WithServiceName("kodama-demo"),
		kodama.WithServiceVersion(version),
		kodama.WithNotFoundError(errOrderNotFound),
	)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	store, err := newStore(ctx, dbPath, pipe)
	if err != nil {
		_ = pipe.Shutdown(context.Background())
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = store.Close() }()

	orders := &api{
		store:      store,
		pipe:       pipe,
		receiptURL: receiptURL,
		client: &http.Client{
			Transport: pipe.Transport(nil),
			Timeout:   5 * time.Second,
		},
		validate: validator.New(),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /orders", pipe.Handler(orders.listOrders))
	mux.Handle("POST /orders", pipe.Handler(orders.createOrder))
	mux.Handle("GET /orders/{id}", pipe.Handler(orders.getOrder))
	mux.Handle("GET /orders/{id}/receipt", pipe.Handler(orders.getReceipt))
	mux.Handle("GET /debug/boom", pipe.Handler(orders.boom))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      pipe.Middleware()(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = pipe.Shutdown(context.Background())
		return err
	}

	// Graceful shutdown. Drain HTTP first so in-flight requests still
	// record their telemetry, then flush the pipeline.
	slog.Info("kodama-demo shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	pipeCtx, pipeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pipe.Shutdown(pipeCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err, "dropped_spans", pipe.DroppedSpans())
	}
	pipeCancel()

	slog.Info("kodama-demo stopped")
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
