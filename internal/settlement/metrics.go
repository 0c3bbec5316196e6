package settlement

import "github.com/prometheus/client_golang/prometheus"

var hookOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hillside",
	Subsystem: "escrow_settlement",
	Name:      "hook_outcomes_total",
	Help:      "Escrow lifecycle hook results by event and outcome.",
}, []string{"event", "outcome"})

func init() {
	prometheus.MustRegister(hookOutcomes)
}
