package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	Connections      prometheus.Gauge
	Rooms            prometheus.Gauge
	TypingActive     prometheus.Gauge
	Events           *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	Deliveries       prometheus.Counter
	DeliveryFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Live registered connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "rooms",
			Help:      "Rooms with at least one subscriber.",
		}),
		TypingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "typing_active",
			Help:      "Active typing indicators.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "events_total",
			Help:      "Inbound events handled, by kind.",
		}, []string{"kind"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "events_rejected_total",
			Help:      "Inbound events rejected, by kind.",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Outbound frames queued to connections.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sketchchat",
			Subsystem: "hub",
			Name:      "delivery_failures_total",
			Help:      "Outbound frames that could not be queued.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.Rooms,
			m.TypingActive,
			m.Events,
			m.Rejected,
			m.Deliveries,
			m.DeliveryFailures,
		)
	}
	return m
}
