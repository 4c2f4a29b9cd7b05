package result

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for persist outcomes.
const (
	persistStored    = "stored"
	persistFailed    = "failed"
	persistDuplicate = "duplicate"
)

var (
	persistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_result_persist_total",
			Help: "Total number of artifact persist calls, by outcome.",
		},
		[]string{"outcome"},
	)

	persistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canvas_result_persist_seconds",
			Help:    "Duration of cache write, debit and durable save, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(persistTotal)
	prometheus.MustRegister(persistDuration)

	for _, o := range []string{persistStored, persistFailed, persistDuplicate} {
		persistTotal.WithLabelValues(o)
	}
}
