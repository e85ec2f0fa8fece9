package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	disputeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "dispute",
		Name:      "transitions_total",
		Help:      "Dispute status transitions.",
	}, []string{"from", "to"})

	resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "dispute",
		Name:      "resolutions_total",
		Help:      "Resolved disputes by resolution type.",
	}, []string{"resolution_type"})
)

func init() {
	prometheus.MustRegister(disputeTransitions, resolutions)
}
