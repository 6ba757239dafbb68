package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iam_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iam_lockouts_total",
		Help: "Accounts locked after repeated authentication failures.",
	})

	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iam_tokens_issued_total",
			Help: "Issued tokens by kind (access, refresh).",
		},
		[]string{"kind"},
	)

	permissionChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iam_permission_checks_total",
			Help: "Permission checks by decision.",
		},
		[]string{"granted"},
	)

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iam_rate_limited_total",
		Help: "Requests rejected by the authentication rate limiter.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, lockoutsTotal, tokensIssuedTotal,
			permissionChecksTotal, rateLimitedTotal,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt. result is one of "ok", "denied",
// "locked", "rate_limited", "mfa_required".
func ObserveLogin(result string) {
	loginsTotal.WithLabelValues(result).Inc()
}

// ObserveLockout counts an account lockout.
func ObserveLockout() { lockoutsTotal.Inc() }

// ObserveTokenIssued counts a minted token of the given kind.
func ObserveTokenIssued(kind string) {
	tokensIssuedTotal.WithLabelValues(kind).Inc()
}

// ObservePermissionCheck counts an authorization decision.
func ObservePermissionCheck(granted bool) {
	permissionChecksTotal.WithLabelValues(strconv.FormatBool(granted)).Inc()
}

// ObserveRateLimited counts a throttled request.
func ObserveRateLimited() { rateLimitedTotal.Inc() }

// Instrument measures request rate, latency, and in-flight count.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric cardinality stays
// bounded: /v1/users/<id> becomes /v1/users/:id, and so on for the other
// identifier-bearing collections.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// ["", "v1", collection, id, ...]
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "users", "roles", "groups", "invitations", "sessions":
			if parts[3] != "" {
				parts[3] = ":id"
			}
		}
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
