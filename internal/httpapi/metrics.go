package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fleetd"

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route pattern, method and status.",
	}, []string{"path", "method", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency. Streaming requests are measured to the last chunk.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	httpInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace, Subsystem: "http", Name: "inflight_requests",
		Help: "In-flight HTTP requests per route pattern.",
	}, []string{"path"})

	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: "http", Name: "backpressure_total",
		Help: "Requests rejected with 429.",
	}, []string{"reason"})

	inferenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: "http", Name: "inference_total",
		Help: "Generate and chat calls by mode and outcome kind.",
	}, []string{"mode", "kind"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal, inferenceTotal)
}

// observeInference counts one finished generate or chat call. A nil err is
// recorded under kind "ok".
func observeInference(stream bool, err error) {
	mode := "unary"
	if stream {
		mode = "stream"
	}
	kind := "ok"
	if err != nil {
		kind = kindOf(err)
	}
	inferenceTotal.WithLabelValues(mode, kind).Inc()
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses flushable through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware records request counts and latency per route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		// the route pattern is only known once chi has routed the request
		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// InflightMiddleware tracks in-flight requests per route. It must be mounted
// inside the router so the route pattern is known.
func InflightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()
		next.ServeHTTP(w, r)
	})
}

// routePatternOrPath labels by chi route pattern, so handles and relay ids
// never become label values. Unrouted requests fall back to the path.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure counts a 429 rejection.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}
