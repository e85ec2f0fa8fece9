package billing

import "github.com/prometheus/client_golang/prometheus"

var (
	invoicesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "billing",
		Name:      "invoices_created_total",
		Help:      "Invoices recorded.",
	})

	invoicesOverdue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "billing",
		Name:      "invoices_marked_overdue_total",
		Help:      "Invoices transitioned to overdue by the sweep.",
	})

	lateFeesCharged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "billing",
		Name:      "late_fees_total",
		Help:      "Late fee charge attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(invoicesCreated, invoicesOverdue, lateFeesCharged)
}
