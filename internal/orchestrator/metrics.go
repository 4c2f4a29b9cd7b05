package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/canvas/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_jobs_total",
			Help: "Total number of finished jobs, by backend mode and final status.",
		},
		[]string{"mode", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvas_job_duration_seconds",
			Help:    "Time from submission to terminal event, in seconds.",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canvas_jobs_active",
			Help: "Number of jobs currently in flight.",
		},
	)

	staleEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_stale_events_dropped_total",
			Help: "Total number of status events dropped because their job is no longer current.",
		},
	)

	blockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_jobs_blocked_total",
			Help: "Total number of submissions blocked before reaching a backend, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(staleEvents)
	prometheus.MustRegister(blockedTotal)

	for _, mode := range []model.Mode{model.ModeRemote, model.ModeLocal} {
		for _, status := range []string{model.StatusSucceeded, model.StatusFailed, model.StatusCancelled} {
			jobsTotal.WithLabelValues(string(mode), status)
		}
	}
	blockedTotal.WithLabelValues(model.BlockNoCredits)
	blockedTotal.WithLabelValues(model.BlockInvalidInput)
}
