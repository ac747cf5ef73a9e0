package admission

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "cluster"
	metricsSubsystem = "admission"
)

// Metrics holds the Prometheus collectors a Filter updates as it admits,
// queues, and rejects requests.
type Metrics struct {
	inFlight prometheus.Gauge
	waiting  prometheus.Gauge
	rejected prometheus.Counter
}

// NewMetrics constructs a Metrics bundle. The returned collectors are not
// yet registered with any registry.
func NewMetrics() *Metrics {
	return &Metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_flight_requests",
			Help:      "Number of requests currently holding an admission permit.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "waiting_requests",
			Help:      "Number of requests currently waiting for an admission permit.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejected_requests_total",
			Help:      "Total number of requests rejected for lack of an admission permit.",
		}),
	}
}

// Collectors returns the individual prometheus.Collector values so callers
// can register them.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.inFlight,
		m.waiting,
		m.rejected,
	}
}
