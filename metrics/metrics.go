// Package metrics defines the Prometheus instrumentation of the watch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed watch cycles.
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "movienotifier_cycles_total",
			Help: "Total number of completed watch cycles",
		},
	)

	// CycleDuration observes wall time of watch cycles.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "movienotifier_cycle_duration_seconds",
			Help:    "Duration of watch cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fetches counts schedule fetches by result (success, upstream_unavailable, malformed, error).
	Fetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movienotifier_schedule_fetches_total",
			Help: "Total number of schedule fetches by result",
		},
		[]string{"result"},
	)

	// DeltaShowings counts newly appeared showings.
	DeltaShowings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "movienotifier_delta_showings_total",
			Help: "Total number of newly appeared showings",
		},
	)

	// CacheWrites counts snapshot writes by reason (baseline, update).
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movienotifier_cache_writes_total",
			Help: "Total number of schedule snapshot writes",
		},
		[]string{"reason"},
	)

	// Notifications counts dispatched notifications by result (sent, failed).
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movienotifier_notifications_total",
			Help: "Total number of watcher notifications by result",
		},
		[]string{"result"},
	)

	// ChannelDeliveries counts per-channel delivery attempts by result.
	ChannelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movienotifier_channel_deliveries_total",
			Help: "Total number of delivery channel sends by channel and result",
		},
		[]string{"channel", "result"},
	)

	// BreakerState reports the circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "movienotifier_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
