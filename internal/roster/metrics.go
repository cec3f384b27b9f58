package roster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type pollerMetrics struct {
	polls   *prometheus.CounterVec // by result: ok, stale, error
	deltas  *prometheus.CounterVec // by kind
	members prometheus.Gauge
}

func (p *Poller) initMetrics(reg prometheus.Registerer) {
	promautoFactory := promauto.With(reg)
	p.metrics = &pollerMetrics{}
	p.metrics.polls = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_roster_polls_total",
			Help: "number of roster polls by result",
		},
		[]string{"result"},
	)
	p.metrics.deltas = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_roster_deltas_total",
			Help: "number of roster deltas emitted",
		},
		[]string{"kind"},
	)
	p.metrics.members = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "rostersync_roster_members",
		Help: "number of members in the last accepted roster snapshot",
	})
}
