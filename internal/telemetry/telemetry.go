// Package telemetry exposes Prometheus metrics for the pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidecrawl_requests_total",
			Help: "Requests reaching a terminal state, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidecrawl_fetch_duration_seconds",
			Help:    "Fetch attempt latencies, labeled by domain and rendered flag.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain", "rendered"},
	)

	admissionRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidecrawl_admission_rejects_total",
			Help: "Scheduling passes where a request stayed queued, labeled by reason.",
		},
		[]string{"reason"},
	)

	dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidecrawl_dedup_hits_total",
			Help: "Fetches whose content hash already existed in the content store.",
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidecrawl_retries_total",
			Help: "Retry re-enqueues, labeled by error kind.",
		},
		[]string{"kind"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidecrawl_active_workers",
			Help: "Workers currently executing a request.",
		},
	)

	recoveredRunningTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidecrawl_recovered_running_total",
			Help: "Stale running requests reclaimed back to queued.",
		},
	)
)

// ObserveTerminal records a request reaching a terminal status.
func ObserveTerminal(kind, status string) {
	requestsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveFetch records one fetch attempt's latency.
func ObserveFetch(domain string, rendered bool, d time.Duration) {
	flag := "false"
	if rendered {
		flag = "true"
	}
	fetchDurationSeconds.WithLabelValues(domain, flag).Observe(d.Seconds())
}

// ObserveAdmissionReject records a lock/token admission failure.
func ObserveAdmissionReject(reason string) {
	admissionRejectsTotal.WithLabelValues(reason).Inc()
}

// ObserveDedupHit records a content-store hash hit.
func ObserveDedupHit() {
	dedupHitsTotal.Inc()
}

// ObserveRetry records a retry re-enqueue.
func ObserveRetry(kind string) {
	retriesTotal.WithLabelValues(kind).Inc()
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted()  { activeWorkers.Inc() }
func WorkerFinished() { activeWorkers.Dec() }

// ObserveRecovered records a stale-running reclaim.
func ObserveRecovered() {
	recoveredRunningTotal.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
