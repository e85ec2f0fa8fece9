package events

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Domain events published from the outbox, by type.",
	}, []string{"type"})

	eventsPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Outbox relay runs that stopped on a publish failure.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsPublishErrors)
}
