// Package metrics provides Prometheus metrics for the PinShare server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinshare_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pinshare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinshare_auth_attempts_total",
			Help: "Total identity provider operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	signUpRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pinshare_signup_domain_rejected_total",
			Help: "Sign-ups rejected by the email domain allow-list",
		},
	)

	authObservers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pinshare_auth_observers",
			Help: "Number of registered auth-state observers",
		},
	)

	// Browser session metrics
	workspacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pinshare_workspaces_active",
			Help: "Number of live browser workspaces",
		},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinshare_uploads_total",
			Help: "Total number of upload submissions",
		},
		[]string{"status"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pinshare_upload_bytes_total",
			Help: "Total bytes submitted to the storage gateway",
		},
	)

	// Gateway metrics
	gatewayOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pinshare_gateway_operation_duration_seconds",
			Help:    "Storage gateway operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway", "operation"},
	)

	gatewayOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pinshare_gateway_operations_total",
			Help: "Total storage gateway operations",
		},
		[]string{"gateway", "operation", "status"},
	)

	// Local account store metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pinshare_db_query_duration_seconds",
			Help:    "Account store query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pinshare_db_connections_open",
			Help: "Number of open account store connections",
		},
	)

	// Rate limiting
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pinshare_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthAttempt records an identity provider operation.
func RecordAuthAttempt(operation string, success bool) {
	authAttemptsTotal.WithLabelValues(operation, result(success)).Inc()
}

// RecordSignUpRejected records a sign-up refused by the domain allow-list.
func RecordSignUpRejected() {
	signUpRejectedTotal.Inc()
}

// AddAuthObservers adjusts the observer gauge by delta.
func AddAuthObservers(delta int) {
	authObservers.Add(float64(delta))
}

// SetWorkspacesActive sets the number of live browser workspaces.
func SetWorkspacesActive(count int) {
	workspacesActive.Set(float64(count))
}

// RecordUpload records an upload submission.
func RecordUpload(bytes int64, success bool) {
	uploadBytes.Add(float64(bytes))
	uploadsTotal.WithLabelValues(result(success)).Inc()
}

// RecordGatewayOperation records a storage gateway operation.
func RecordGatewayOperation(gateway, operation string, duration time.Duration, success bool) {
	gatewayOperationDuration.WithLabelValues(gateway, operation).Observe(duration.Seconds())
	gatewayOperationsTotal.WithLabelValues(gateway, operation, result(success)).Inc()
}

// RecordDBQuery records an account store query.
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open account store connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label so static assets and
// query strings do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
