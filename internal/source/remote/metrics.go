package remote

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for poll error kinds.
const (
	kindTransient = "transient"
	kindTerminal  = "terminal"
)

var pollErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "canvas_remote_poll_errors_total",
		Help: "Total number of failed calls to the remote queue service, by error kind.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(pollErrors)

	pollErrors.WithLabelValues(kindTransient)
	pollErrors.WithLabelValues(kindTerminal)
}
