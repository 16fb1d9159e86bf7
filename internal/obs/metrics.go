package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_ready",
		Help: "1 when the storage backend answered the last readiness probe.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_build_info",
			Help: "Always 1; labels carry the running binary's version.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// Identity core metrics
var (
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	Lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_lockouts_total",
		Help: "Accounts transitioned to the locked state.",
	})

	SessionValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_session_validations_total",
			Help: "Session validations by result.",
		},
		[]string{"result"},
	)

	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_store_retries_total",
			Help: "Retried close+insert transactions by satellite.",
		},
		[]string{"satellite"},
	)

	StoreConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_store_conflicts_total",
			Help: "Close+insert transactions that exhausted their retries.",
		},
		[]string{"satellite"},
	)

	AuditDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_audit_degraded_total",
			Help: "Audit events written to the fallback channel, by reason.",
		},
		[]string{"reason"},
	)

	IntegrityViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_tenant_isolation_violations_total",
		Help: "Detected cross-tenant references.",
	})

	StreamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_event_stream_dropped_total",
		Help: "Audit events not delivered to a slow live subscriber.",
	})
)

var initOnce sync.Once

// Init registers the collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge, buildInfo,
			LoginAttempts, Lockouts, SessionValidations,
			StoreRetries, StoreConflicts, AuditDegraded, IntegrityViolations, StreamDropped,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo publishes the running version, replacing any earlier value.
func SetBuildInfo(version, commit string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses tenant ids, usernames and other variable segments so
// label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(raw, "/"), "/")
	if len(segs) >= 3 && segs[0] == "v1" && segs[1] == "tenants" {
		segs[2] = ":tenant"
		if len(segs) >= 5 && segs[3] == "identities" {
			segs[4] = ":username"
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
