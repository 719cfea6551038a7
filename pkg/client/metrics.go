package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for a connection manager
type Metrics struct {
	Dials             *prometheus.CounterVec // result: ok|error
	ReconnectAttempts prometheus.Counter
	EventsEmitted     *prometheus.CounterVec // event
	EventsDropped     *prometheus.CounterVec // event, reason
	EventsReceived    *prometheus.CounterVec // event
	MalformedEvents   prometheus.Counter
	State             *prometheus.GaugeVec // state, 1 for the current state
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "dials_total",
			Help:      "Transport dial attempts by result.",
		}, []string{"result"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "events_emitted_total",
			Help:      "Events written to the transport.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "events_dropped_total",
			Help:      "Outbound events that were not written.",
		}, []string{"event", "reason"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "events_received_total",
			Help:      "Inbound events dispatched to subscribers.",
		}, []string{"event"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "malformed_events_total",
			Help:      "Inbound frames that failed to decode.",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "storychat",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (1 = active).",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Dials,
			m.ReconnectAttempts,
			m.EventsEmitted,
			m.EventsDropped,
			m.EventsReceived,
			m.MalformedEvents,
			m.State,
		)
	}
	return m
}

func (m *Metrics) setState(state ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(string(s)).Set(v)
	}
}
