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

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by result.",
		},
		[]string{"result"},
	)

	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window rate limiter.",
		},
		[]string{"action"},
	)

	claimsWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claims_writes_total",
			Help: "Custom claims writes by operation.",
		},
		[]string{"op"},
	)

	claimsSweep = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claims_sweep_total",
			Help: "Users visited by the claims cleanup sweep by outcome.",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, rateLimitRejections, claimsWrites, claimsSweep,
		)
	})
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthzDecision counts an authorization outcome (allowed, unauthenticated, denied, not_found).
func AuthzDecision(result string) { authzDecisions.WithLabelValues(result).Inc() }

// RateLimitRejected counts a rate-limit rejection for action.
func RateLimitRejected(action string) { rateLimitRejections.WithLabelValues(action).Inc() }

// ClaimsWrite counts a claims write (set, remove, refresh).
func ClaimsWrite(op string) { claimsWrites.WithLabelValues(op).Inc() }

// ClaimsSweep counts a user visited by the cleanup sweep.
func ClaimsSweep(outcome string) { claimsSweep.WithLabelValues(outcome).Inc() }

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses user ids in API paths so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	const usersPrefix = "/v1/users/"
	if !strings.HasPrefix(path, usersPrefix) {
		return path
	}
	rest := strings.Split(strings.Trim(strings.TrimPrefix(path, usersPrefix), "/"), "/")
	if len(rest) == 0 || rest[0] == "" {
		return path
	}
	rest[0] = ":uid"
	return usersPrefix + strings.Join(rest, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
