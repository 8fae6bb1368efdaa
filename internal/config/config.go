// Package config loads and validates pipeline configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all pipeline configuration.
type Config struct {
	// Identity settings.
	Enabled        bool   // false disables the whole pipeline (no-op passthrough).
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Collector settings. An empty endpoint keeps telemetry in-process:
	// spans, metrics, and logs are still recorded but nothing is exported.
	CollectorEndpoint string
	CollectorInsecure bool

	// Trace settings.
	TraceSampleRatio float64 // Parent-based ratio in [0.0, 1.0].

	// Paths excluded from all three telemetry pillars (glob patterns).
	ExcludedPaths []string

	// Span export tuning.
	QueueSize      int           // Bounded span queue capacity; spans are dropped beyond it.
	BatchSize      int           // Flush when this many spans are buffered.
	FlushInterval  time.Duration // Flush at least this often.
	MaxRetries     int           // Export attempts per batch before dropping it.
	MetricInterval time.Duration // Periodic metric reader interval.

	// Operational settings.
	LogLevel             string
	SlowRequestThreshold time.Duration // Requests slower than this get a span event and a warn log. 0 disables.
}

// Load reads configuration from environment variables with sensible defaults.
// Invalid variables are reported together rather than one at a time.
func Load() (Config, error) {
	var el errList
	cfg := Config{
		Enabled:              el.bool("KODAMA_ENABLED", true),
		ServiceName:          envStr("KODAMA_SERVICE_NAME", envStr("OTEL_SERVICE_NAME", "kodama")),
		ServiceVersion:       envStr("KODAMA_SERVICE_VERSION", ""),
		Environment:          envStr("KODAMA_ENVIRONMENT", "development"),
		CollectorEndpoint:    envStr("KODAMA_COLLECTOR_ENDPOINT", envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
		CollectorInsecure:    el.bool("KODAMA_COLLECTOR_INSECURE", false),
		TraceSampleRatio:     el.float("KODAMA_TRACE_SAMPLE_RATIO", 1.0),
		ExcludedPaths:        envList("KODAMA_EXCLUDED_PATHS", []string{"/health", "/ready"}),
		QueueSize:            el.int("KODAMA_EXPORT_QUEUE_SIZE", 2048),
		BatchSize:            el.int("KODAMA_EXPORT_BATCH_SIZE", 512),
		FlushInterval:        el.duration("KODAMA_EXPORT_FLUSH_INTERVAL", 5*time.Second),
		MaxRetries:           el.int("KODAMA_EXPORT_MAX_RETRIES", 3),
		MetricInterval:       el.duration("KODAMA_METRIC_INTERVAL", 15*time.Second),
		LogLevel:             envStr("KODAMA_LOG_LEVEL", "info"),
		SlowRequestThreshold: el.duration("KODAMA_SLOW_REQUEST_THRESHOLD", 5*time.Second),
	}
	if err := el.join(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("config: KODAMA_SERVICE_NAME must not be empty")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("config: KODAMA_TRACE_SAMPLE_RATIO must be in [0.0, 1.0], got %v", c.TraceSampleRatio)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: KODAMA_EXPORT_QUEUE_SIZE must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: KODAMA_EXPORT_BATCH_SIZE must be positive")
	}
	if c.BatchSize > c.QueueSize {
		return fmt.Errorf("config: KODAMA_EXPORT_BATCH_SIZE (%d) must not exceed KODAMA_EXPORT_QUEUE_SIZE (%d)", c.BatchSize, c.QueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: KODAMA_EXPORT_MAX_RETRIES must not be negative")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: KODAMA_EXPORT_FLUSH_INTERVAL must be positive")
	}
	if c.MetricInterval <= 0 {
		return fmt.Errorf("config: KODAMA_METRIC_INTERVAL must be positive")
	}
	if c.SlowRequestThreshold < 0 {
		return fmt.Errorf("config: KODAMA_SLOW_REQUEST_THRESHOLD must not be negative")
	}
	return nil
}

// errList accumulates env parse errors so Load can report them all at once.
type errList struct {
	errs []error
}

func (l *errList) join() error {
	return errors.Join(l.errs...)
}

func (l *errList) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *errList) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *errList) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *errList) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
