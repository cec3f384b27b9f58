package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type normalizeMetrics struct {
	events *prometheus.CounterVec // by source and outcome
}

func (n *Normalizer) initMetrics(reg prometheus.Registerer) {
	promautoFactory := promauto.With(reg)
	n.metrics = &normalizeMetrics{
		events: promautoFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rostersync_normalize_events_total",
				Help: "number of ingested events by source and outcome (accepted, duplicate, rejected)",
			},
			[]string{"source", "outcome"},
		),
	}
}
