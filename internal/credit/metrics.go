package credit

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	applyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "apply_total",
		Help:      "Apply calls by result.",
	}, []string{"result"})

	applyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "apply_duration_seconds",
		Help:      "Apply latency including lock wait.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	integrityViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "integrity_violations_total",
		Help:      "Accounts placed on integrity hold.",
	})

	accountsOnHold = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "accounts_failing_verification",
		Help:      "Accounts whose chain failed the last verification run.",
	})

	verifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "verify_duration_seconds",
		Help:      "Duration of full verification runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(applyTotal, applyDuration, integrityViolations, accountsOnHold, verifyDuration)
}

func observeApply(start time.Time, err error, replayed bool) {
	applyDuration.Observe(time.Since(start).Seconds())
	result := "applied"
	var ae *ApplyError
	switch {
	case err == nil && replayed:
		result = "replayed"
	case errors.As(err, &ae):
		result = ae.Code
	case err != nil:
		_, result = ErrorStatus(err)
	}
	applyTotal.WithLabelValues(result).Inc()
}
