package notify

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// LogSink writes notifications to the service log.
type LogSink struct {
	Logger *slog.Logger
}

// Notify logs the notification.
func (s LogSink) Notify(_ context.Context, title, body string) error {
	s.Logger.Info("notification", "title", title, "body", body)
	return nil
}

var generationsCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "canvas_generations_completed_total",
		Help: "Total number of generations completed successfully, by backend mode.",
	},
	[]string{"mode"},
)

func init() {
	prometheus.MustRegister(generationsCompleted)
}

// MetricsAnalytics records generation completed events as a Prometheus counter.
type MetricsAnalytics struct{}

// GenerationCompleted increments the completed counter for the event's mode.
func (MetricsAnalytics) GenerationCompleted(_ context.Context, ev CompletedEvent) error {
	generationsCompleted.WithLabelValues(string(ev.Mode)).Inc()
	return nil
}
