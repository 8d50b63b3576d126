package stage

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts broker activity per stage. A nil *Metrics records nothing.
type Metrics struct {
	polls    *prometheus.CounterVec
	received *prometheus.CounterVec
	sends    *prometheus.CounterVec
	sent     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	inflight *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstage",
			Name:      "receive_calls_total",
			Help:      "ReceiveBatch calls by outcome (messages, empty, error).",
		}, []string{"stage", "outcome"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstage",
			Name:      "received_messages_total",
			Help:      "Messages returned by ReceiveBatch.",
		}, []string{"stage"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstage",
			Name:      "send_calls_total",
			Help:      "SendBatch calls by outcome (ok, error).",
		}, []string{"stage", "outcome"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstage",
			Name:      "sent_messages_total",
			Help:      "Messages acknowledged by SendBatch.",
		}, []string{"stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstage",
			Name:      "supervision_decisions_total",
			Help:      "Supervision directives applied to broker failures.",
		}, []string{"stage", "directive"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qstage",
			Name:      "dropped_batches_total",
			Help:      "Batches discarded after a Restart directive.",
		}, []string{"stage"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qstage",
			Name:      "inflight_calls",
			Help:      "Outstanding broker calls.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.received, m.sends, m.sent, m.retries, m.dropped, m.inflight)
	}
	return m
}

func (m *Metrics) receive(stage, outcome string, n int) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(stage, outcome).Inc()
	if n > 0 {
		m.received.WithLabelValues(stage).Add(float64(n))
	}
}

func (m *Metrics) send(stage, outcome string, n int) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(stage, outcome).Inc()
	if n > 0 {
		m.sent.WithLabelValues(stage).Add(float64(n))
	}
}

func (m *Metrics) decision(stage, directive string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage, directive).Inc()
}

func (m *Metrics) drop(stage string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(stage).Inc()
}

func (m *Metrics) callStarted(stage string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(stage).Inc()
}

func (m *Metrics) callFinished(stage string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(stage).Dec()
}
