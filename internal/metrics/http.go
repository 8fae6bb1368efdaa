package metrics

// Tag keys of the HTTP request catalog. The tag space of every request
// metric is methods × routes × status codes, all small closed sets.
const (
	KeyMethod     = "http.method"
	KeyRoute      = "http.route"
	KeyStatus     = "http.status_code"
	KeyErrorClass = "error.class"
)

// Error classes recorded on http.server.errors.
const (
	ClassClientError = "client_error"
	ClassServerError = "server_error"
)

// defaultDurationBuckets are latency buckets in milliseconds, from
// sub-millisecond handlers up to the 10s tail.
var defaultDurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// HTTPMetrics is the fixed request catalog recorded by the interceptor.
type HTTPMetrics struct {
	Requests       *Counter       // http.server.request_count{method,route,status}
	Duration       *Histogram     // http.server.duration{method,route} in ms
	Errors         *Counter       // http.server.errors{method,route,status,error_class}
	ValidationErrs *Counter       // http.server.validation_errors{method,route}
	ActiveRequests *UpDownCounter // http.server.active_requests
}

// NewHTTPMetrics declares the request catalog on the registry. Called once
// at pipeline construction; a failure here is a configuration error that
// fails startup.
func NewHTTPMetrics(r *Registry) (*HTTPMetrics, error) {
	requests, err := r.Counter("http.server.request_count", "{request}",
		"Completed HTTP requests.",
		KeyMethod, KeyRoute, KeyStatus)
	if err != nil {
		return nil, err
	}
	duration, err := r.Histogram("http.server.duration", "ms",
		"HTTP request duration from entry to response completion.",
		defaultDurationBuckets,
		KeyMethod, KeyRoute)
	if err != nil {
		return nil, err
	}
	errors, err := r.Counter("http.server.errors", "{request}",
		"HTTP requests that completed with a 4xx or 5xx status.",
		KeyMethod, KeyRoute, KeyStatus, KeyErrorClass)
	if err != nil {
		return nil, err
	}
	validation, err := r.Counter("http.server.validation_errors", "{request}",
		"HTTP requests rejected by input validation.",
		KeyMethod, KeyRoute)
	if err != nil {
		return nil, err
	}
	active, err := r.UpDownCounter("http.server.active_requests", "{request}",
		"HTTP requests currently in flight.")
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		Requests:       requests,
		Duration:       duration,
		Errors:         errors,
		ValidationErrs: validation,
		ActiveRequests: active,
	}, nil
}
