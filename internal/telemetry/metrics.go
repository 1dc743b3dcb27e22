package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrreg"

var (
	Registry = prometheus.NewRegistry()

	// ---- Registry operations ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Registry requests by service and outcome.",
		},
		[]string{"service", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent dispatching one registry request.",
			// 10us .. ~80ms, dispatch is an in-memory map operation.
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
		[]string{"service"},
	)

	Members = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members",
		Help:      "Members currently registered and alive.",
	})

	RankAssignments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rank_assignments_total",
		Help:      "Ranks handed out to new members.",
	})

	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Members removed by the expiry sweeper.",
	})

	SweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_failures_total",
		Help:      "Expiry passes that failed.",
	})

	LamportClock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lamport_clock",
		Help:      "Current value of the registry logical clock.",
	})

	// ---- HTTP transport ----
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, Members, RankAssignments, Evictions, SweepFailures, LamportClock,
		HTTPRequestsTotal, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		HTTPRequestsTotal.WithLabelValues(op, class).Inc()
	})
}
