// Package metrics exposes Prometheus instrumentation for the
// orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts sessions by terminal outcome.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legba_sessions_total",
		Help: "Sessions reaching a terminal state, by outcome.",
	}, []string{"state"})

	// ActiveSessions tracks sessions currently holding an execution slot.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "legba_active_sessions",
		Help: "Sessions currently executing (STARTING through COMPLETING).",
	})

	// QueueDepth tracks pending admission requests.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "legba_queue_depth",
		Help: "Pending requests in the admission queue.",
	})

	// BreakerTrips counts circuit breaker trips by reason.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "legba_breaker_trips_total",
		Help: "Circuit breaker trips forcing a pause, by trip reason.",
	}, []string{"reason"})

	// SessionDuration observes wall-clock duration of terminal sessions.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "legba_session_duration_seconds",
		Help:    "Wall-clock duration of sessions reaching a terminal state.",
		Buckets: prometheus.ExponentialBuckets(60, 2, 10), // 1m .. ~17h
	})
)
