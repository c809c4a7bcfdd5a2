// Package metrics exposes rollcall's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_dispatch_outcomes_total",
			Help: "Per-recipient dispatch outcomes by status",
		},
		[]string{"status"},
	)

	DispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollcall_dispatch_retries_total",
			Help: "Send attempts retried after a transient error",
		},
	)

	DispatchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_dispatch_in_flight",
			Help: "Sends currently holding a dispatch slot",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollcall_dispatch_duration_seconds",
			Help:    "Wall time of a full fan-out",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Attendance metrics
	ResponsesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_responses_recorded_total",
			Help: "Responses written by choice",
		},
		[]string{"choice"},
	)

	// Lifecycle metrics
	EventsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_events_active",
			Help: "Events with a running countdown task",
		},
	)

	EventTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_event_transitions_total",
			Help: "Lifecycle state transitions by target state",
		},
		[]string{"state"},
	)

	TickErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rollcall_countdown_tick_errors_total",
			Help: "Countdown ticks that failed and stalled their event",
		},
	)

	// Shared resource metrics
	PoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_pool_in_use",
			Help: "Storage connections currently checked out",
		},
	)

	PoolWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_pool_waiting",
			Help: "Callers waiting for a storage connection",
		},
	)

	PoolTimeouts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_pool_acquire_timeouts",
			Help: "Acquire attempts that hit the pool budget since start",
		},
	)

	LockEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_lock_entries",
			Help: "Owner write lock entries held in memory",
		},
	)

	LockTimeouts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_lock_contention_timeouts",
			Help: "Write lock waits that timed out since start",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollcall_settings_cache_entries",
			Help: "Settings currently cached",
		},
	)

	CacheRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollcall_settings_cache_requests",
			Help: "Settings cache lookups since start by result",
		},
		[]string{"result"},
	)

	// Maintenance metrics
	SweepRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_sweep_removed_total",
			Help: "Entries reclaimed by maintenance passes",
		},
		[]string{"pass"},
	)

	SweepErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_sweep_errors_total",
			Help: "Per-entry failures during maintenance passes",
		},
		[]string{"pass"},
	)

	UpdatesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_updates_handled_total",
			Help: "Inbound chat updates by handler and result",
		},
		[]string{"cmd", "result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollcall_api_requests_total",
			Help: "Admin API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollcall_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchOutcomes,
		DispatchRetries,
		DispatchInFlight,
		DispatchDuration,
		ResponsesRecorded,
		EventsActive,
		EventTransitions,
		TickErrors,
		PoolInUse,
		PoolWaiting,
		PoolTimeouts,
		LockEntries,
		LockTimeouts,
		CacheEntries,
		CacheRequests,
		SweepRemoved,
		SweepErrors,
		UpdatesHandled,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer observes elapsed time into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
