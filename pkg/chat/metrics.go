package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors for chat state
type Metrics struct {
	Refetches        prometheus.Counter // message list fetches caused by inbound messages
	Reconciled       prometheus.Counter // pending messages claimed by a confirmed copy
	Pending          prometheus.Gauge
	RequestsReceived prometheus.Counter
	RequestDecisions *prometheus.CounterVec // decision: accepted|rejected|failed
}

// NewMetrics creates the collectors and registers them with reg (if non-nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "chat",
			Name:      "reconcile_refetches_total",
			Help:      "Message list re-fetches triggered by inbound messages.",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "chat",
			Name:      "reconciled_messages_total",
			Help:      "Pending messages replaced by their confirmed copy.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storychat",
			Subsystem: "chat",
			Name:      "pending_messages",
			Help:      "Sent messages not yet seen in a server listing.",
		}),
		RequestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "chat",
			Name:      "message_requests_received_total",
			Help:      "Distinct message requests received.",
		}),
		RequestDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "chat",
			Name:      "message_request_decisions_total",
			Help:      "Accept and reject outcomes for message requests.",
		}, []string{"decision"}),
	}

	if reg != nil {
		reg.MustRegister(m.Refetches, m.Reconciled, m.Pending, m.RequestsReceived, m.RequestDecisions)
	}
	return m
}
