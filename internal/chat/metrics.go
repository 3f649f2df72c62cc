package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "palchat_hub"

// Metrics is a prometheus.Collector describing hub activity.
type Metrics struct {
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	deliveries  prometheus.Counter
	drops       prometheus.Counter
	rejections  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "The number of subscribed websocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_events_total",
			Help:      "Inbound websocket events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_deliveries_total",
			Help:      "Events queued to a connection by fan-out.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_drops_total",
			Help:      "Connections removed because their send buffer was full.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_rejections_total",
			Help:      "Websocket handshakes closed before subscription, by reason.",
		}, []string{"reason"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.connections.Describe(ch)
	m.events.Describe(ch)
	m.deliveries.Describe(ch)
	m.drops.Describe(ch)
	m.rejections.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.connections.Collect(ch)
	m.events.Collect(ch)
	m.deliveries.Collect(ch)
	m.drops.Collect(ch)
	m.rejections.Collect(ch)
}
