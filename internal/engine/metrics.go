package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	queueDepth      prometheus.Gauge
	inflightEvents  prometheus.Gauge
	eventsProcessed *prometheus.CounterVec // by source
	eventsRejected  prometheus.Counter
	actions         *prometheus.CounterVec // by kind and final state
	attempts        *prometheus.CounterVec // by outcome
	conflicts       prometheus.Counter
}

// initMetrics registers the engine metrics with reg. A nil reg builds
// working but unregistered collectors.
func (e *Engine) initMetrics(reg prometheus.Registerer) {
	promautoFactory := promauto.With(reg)
	e.metrics = &engineMetrics{}
	e.metrics.queueDepth = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "rostersync_engine_queue_depth",
		Help: "number of canonical events waiting for dispatch",
	})
	e.metrics.inflightEvents = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "rostersync_engine_inflight_events",
		Help: "number of events dispatched and not yet finished",
	})
	e.metrics.eventsProcessed = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_engine_events_processed_total",
			Help: "number of events reconciled",
		},
		[]string{"source"},
	)
	e.metrics.eventsRejected = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "rostersync_engine_events_rejected_total",
			Help: "number of events the reconciler refused as malformed",
		},
	)
	e.metrics.actions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_engine_actions_total",
			Help: "number of actions that reached a terminal state",
		},
		[]string{"kind", "state"},
	)
	e.metrics.attempts = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_engine_action_attempts_total",
			Help: "number of action execution attempts",
		},
		[]string{"outcome"},
	)
	e.metrics.conflicts = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "rostersync_engine_conflicts_total",
			Help: "number of conflicts escalated for human review",
		},
	)
}
