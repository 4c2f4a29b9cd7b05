package local

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for engine run outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

var (
	engineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canvas_local_engine_seconds",
			Help:    "Local engine generation time from request send to final result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	engineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_local_engine_runs_total",
			Help: "Total number of generations run by the local engine.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(engineDuration)
	prometheus.MustRegister(engineRuns)

	engineRuns.WithLabelValues(outcomeCompleted)
	engineRuns.WithLabelValues(outcomeFailed)
}
