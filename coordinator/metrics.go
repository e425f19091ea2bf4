package coordinator

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
	halts       prometheus.Counter
}

// newMetrics registers on reg; a nil reg keeps the counters unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Name:      "state_transitions_total",
			Help:      "Request state transitions by target state.",
		}, []string{"state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer",
			Name:      "step_retries_total",
			Help:      "Step retries spent from the per-request budget.",
		}),
		halts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayer",
			Name:      "halts_total",
			Help:      "Nonces halted on a fatal error.",
		}),
	}
	if reg == nil {
		return m
	}
	for _, c := range []prometheus.Collector{m.transitions, m.retries, m.halts} {
		if err := reg.Register(c); err != nil {
			log.Printf("Error registering coordinator metric: %s", err.Error())
		}
	}
	return m
}
