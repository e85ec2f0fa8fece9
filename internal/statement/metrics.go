package statement

import "github.com/prometheus/client_golang/prometheus"

var (
	generateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "creditledger",
		Subsystem: "statement",
		Name:      "generate_duration_seconds",
		Help:      "Time spent building a statement.",
		Buckets:   prometheus.DefBuckets,
	})

	snapshotsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "statement",
		Name:      "snapshots_stored_total",
		Help:      "Statement snapshots persisted.",
	})

	snapshotRunFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "statement",
		Name:      "snapshot_failures_total",
		Help:      "Accounts whose monthly snapshot failed.",
	})
)

func init() {
	prometheus.MustRegister(generateDuration, snapshotsStored, snapshotRunFailures)
}
