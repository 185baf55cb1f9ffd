package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/worldsync/internal/core/events/bus"
	"github.com/zeusync/worldsync/internal/core/world"
)

const namespace = "worldsync"

// Metrics holds the Prometheus collectors exported on /metrics.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	SessionsTotal        prometheus.Counter
	SessionsRejected     prometheus.Counter
	MessagesReceived     prometheus.Counter
	MessagesSent         prometheus.Counter
	MalformedMessages    prometheus.Counter
	NotificationsDropped prometheus.Counter

	WorldEvents *prometheus.CounterVec
	Entities    prometheus.Gauge
	Listeners   prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_sessions",
			Help:      "Number of open subscription sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "sessions_total",
			Help:      "Total number of subscription sessions opened.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "sessions_rejected_total",
			Help:      "Subscription attempts rejected because the session limit was reached.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Inbound messages read from subscription sessions.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Notifications written to subscription sessions.",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages that could not be parsed.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "dropped_total",
			Help:      "Notifications discarded by bounded mailboxes.",
		}),
		WorldEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "world",
			Name:      "events_total",
			Help:      "World lifecycle events by type.",
		}, []string{"type"}),
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "world",
			Name:      "entities",
			Help:      "Number of entities currently stored.",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "world",
			Name:      "listeners",
			Help:      "Number of registered listeners.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.SessionsRejected,
		m.MessagesReceived,
		m.MessagesSent,
		m.MalformedMessages,
		m.NotificationsDropped,
		m.WorldEvents,
		m.Entities,
		m.Listeners,
	)
	return m
}

// Observe keeps the world collectors current from the event bus.
func (m *Metrics) Observe(events bus.EventBus, w *world.World) (bus.Subscription, error) {
	return events.Subscribe(bus.AnyEvent, func(e bus.Event) error {
		m.WorldEvents.WithLabelValues(e.Type).Inc()
		m.Entities.Set(float64(w.Len()))
		m.Listeners.Set(float64(w.ListenerCount()))
		return nil
	})
}
