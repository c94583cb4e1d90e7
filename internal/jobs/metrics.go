package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts task attempts per queue and outcome.
type Metrics struct {
	attempts *prometheus.CounterVec
	terminal *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the job metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nftbook",
			Subsystem: "jobs",
			Name:      "attempts_total",
			Help:      "Task attempts by queue and outcome.",
		}, []string{"queue", "outcome"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nftbook",
			Subsystem: "jobs",
			Name:      "terminal_failures_total",
			Help:      "Tasks that failed without further retries.",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nftbook",
			Subsystem: "jobs",
			Name:      "handle_seconds",
			Help:      "Time spent in task handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}
	reg.MustRegister(m.attempts, m.terminal, m.duration)
	return m
}

func (m *Metrics) observe(queue string, out Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(queue, out.Kind.String()).Inc()
	m.duration.WithLabelValues(queue).Observe(seconds)
}

func (m *Metrics) fail(queue string, out Outcome) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(queue, out.Kind.String()).Inc()
}
