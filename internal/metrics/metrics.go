// README: Prometheus collectors for allocation, cancellation, sweep, notification and HTTP traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AllocationsTotal counts allocation attempts by outcome
	// (matched, no_match, stale, exhausted, error).
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_allocations_total",
			Help: "Allocation attempts by initiator kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	AllocationConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_allocation_conflicts_total",
			Help: "Candidates skipped because a concurrent allocation took them first.",
		},
	)

	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_cancellations_total",
			Help: "Cancellations by booking kind and resulting status.",
		},
		[]string{"kind", "status"},
	)

	SweepRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sweep_rows_total",
			Help: "Rows closed by the daily auto-cancel sweep.",
		},
		[]string{"table"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_notifications_total",
			Help: "Notification sends by template and result.",
		},
		[]string{"template", "result"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_background_jobs_total",
			Help: "Background jobs by result (ok, error, dropped).",
		},
		[]string{"result"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)
)
