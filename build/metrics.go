package build

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts build activity for the daemon's /metrics endpoint.
type Metrics struct {
	BuildsStarted   prometheus.Counter
	BuildsSucceeded prometheus.Counter
	BuildsFailed    prometheus.Counter
}

// NewMetrics registers the build counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BuildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tangram_builds_started_total",
			Help: "Builds started by the scheduler.",
		}),
		BuildsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tangram_builds_succeeded_total",
			Help: "Builds that completed with a value.",
		}),
		BuildsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tangram_builds_failed_total",
			Help: "Builds that completed with an error.",
		}),
	}
	reg.MustRegister(m.BuildsStarted, m.BuildsSucceeded, m.BuildsFailed)
	return m
}
