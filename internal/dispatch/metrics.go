package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Processing outcomes
const (
	OutcomeDelivered   = "delivered"
	OutcomeSkipped     = "skipped"
	OutcomeInvalid     = "invalid"
	OutcomeUnknownUser = "unknown_user"
	OutcomeFailed      = "failed"
)

// Metrics counts dispatch outcomes. A nil *Metrics records nothing.
type Metrics struct {
	processed *prometheus.CounterVec
	decisions *prometheus.CounterVec
}

// NewMetrics registers the dispatch counters with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "dispatch",
			Name:      "processed_total",
			Help:      "Payloads processed by the dispatch service.",
		}, []string{"source", "action", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "queue",
			Name:      "decisions_total",
			Help:      "Settlement decisions for durable queue deliveries.",
		}, []string{"decision"}),
	}

	for _, c := range []prometheus.Collector{m.processed, m.decisions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(source, action, outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(source, action, outcome).Inc()
}

func (m *Metrics) decide(d decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d)).Inc()
}
