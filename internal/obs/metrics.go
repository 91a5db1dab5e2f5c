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
)

// Lease metrics
var (
	leaseEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_events_total",
			Help: "Lease state transitions by audit action.",
		},
		[]string{"action"},
	)

	sweepClearedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_sweep_cleared_total",
			Help: "Expired leases cleared by the batch sweep.",
		},
		[]string{"kind"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check succeeded.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			leaseEventsTotal, sweepClearedTotal, readyGauge,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordLeaseEvent counts one lease transition.
func RecordLeaseEvent(action string) {
	leaseEventsTotal.WithLabelValues(action).Inc()
}

// RecordSweep counts leases and reservations cleared by one sweep run.
func RecordSweep(leases, reservations int) {
	sweepClearedTotal.WithLabelValues("lease").Add(float64(leases))
	sweepClearedTotal.WithLabelValues("reservation").Add(float64(reservations))
}

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
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

var licenseActions = map[string]struct{}{
	"request":            {},
	"activate":           {},
	"extend":             {},
	"cancel-reservation": {},
	"release":            {},
}

// CanonicalPath collapses license identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	const prefix = "/v1/licenses/"
	if !strings.HasPrefix(raw, prefix) {
		return raw
	}
	parts := strings.Split(strings.TrimPrefix(raw, prefix), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "cleanup-expired" || parts[0] == "events"):
		return raw
	case len(parts) == 1 && parts[0] != "":
		return prefix + ":id"
	case len(parts) == 2 && parts[0] != "":
		if _, ok := licenseActions[parts[1]]; ok {
			return prefix + ":id/" + parts[1]
		}
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
