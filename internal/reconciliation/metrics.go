package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "gateway_events_total",
		Help:      "Gateway events handled by type and outcome.",
	}, []string{"type", "outcome"})

	webhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "webhooks_received_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	inboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "inbox_events",
		Help:      "Gateway inbox events by status.",
	}, []string{"status"})

	inboxDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "dead_lettered_total",
		Help:      "Gateway events that exhausted their attempts.",
	})

	paymentsSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "payments_settled_total",
		Help:      "Payments settled against invoices by resulting invoice status.",
	}, []string{"invoice_status"})

	paymentsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "payments_failed_terminal_total",
		Help:      "Payments whose retries were exhausted.",
	})

	paymentRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "reconciliation",
		Name:      "payment_retries_total",
		Help:      "Gateway payment retry attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		eventsHandled,
		webhooksReceived,
		inboxDepth,
		inboxDeadLettered,
		paymentsSettled,
		paymentsExhausted,
		paymentRetries,
	)
}
