// Package metrics holds the prometheus collectors shared by the portal and
// the reporting collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "calvalus"

var (
	MonitorPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Status polls by outcome (progress, terminal, error, retry)",
		},
		[]string{"outcome"},
	)

	MonitorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Monitors currently polling",
		},
	)

	SyncOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "productions",
			Name:      "syncs_total",
			Help:      "Production list synchronizations by outcome (list, property, none)",
		},
		[]string{"outcome"},
	)

	SnapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "productions",
			Name:      "snapshot_failures_total",
			Help:      "Snapshot fetches that failed and left the list unchanged",
		},
	)

	CollectorCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "cycles_total",
			Help:      "Collector cycles by result",
		},
		[]string{"result"},
	)

	CollectorJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "jobs_total",
			Help:      "Jobs handled by the collector (reported, skipped, failed, dead)",
		},
		[]string{"result"},
	)

	CollectorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of collector cycles",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ControlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control socket requests by command and result (ok, error)",
		},
		[]string{"command", "result"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		MonitorPolls, MonitorsActive,
		SyncOutcomes, SnapshotFailures,
		CollectorCycles, CollectorJobs, CollectorCycleDuration,
		ControlRequests,
		httpRequestsTotal,
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		httpRequestsTotal.WithLabelValues(routePattern(r), r.Method, strconv.Itoa(sr.status)).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// ObserveSince records the seconds elapsed since start.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
