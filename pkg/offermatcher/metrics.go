package offermatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "cluster"
	metricsSubsystem = "offermatcher"
)

// Metrics holds the Prometheus collectors the Manager updates as it
// processes offers. Construct with NewMetrics and register the result with
// a prometheus.Registerer; the Manager itself never registers its metrics,
// matching the teacher's convention of separating metric construction from
// registration.
type Metrics struct {
	launchTokens    prometheus.Gauge
	matchers        prometheus.Gauge
	wantedOffers    prometheus.Gauge
	offersInFlight  prometheus.Gauge
	acceptedTasks   prometheus.Counter
	rejectedTasks   prometheus.Counter
	matchOfferTimes prometheus.Histogram
}

// NewMetrics constructs a Metrics bundle. The returned collectors are not
// yet registered with any registry.
func NewMetrics() *Metrics {
	return &Metrics{
		launchTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "launch_tokens",
			Help:      "Current number of launch tokens available to the offer matcher manager.",
		}),
		matchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "matchers",
			Help:      "Current number of registered matchers.",
		}),
		wantedOffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "wanted_offers",
			Help:      "1 if the manager currently wants more offers, 0 otherwise.",
		}),
		offersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "offers_in_flight",
			Help:      "Number of offers currently being matched.",
		}),
		acceptedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "accepted_tasks_total",
			Help:      "Total number of task placements accepted across all offers.",
		}),
		rejectedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejected_tasks_total",
			Help:      "Total number of task placements rejected across all offers.",
		}),
		matchOfferTimes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "match_offer_duration_seconds",
			Help:      "Time from accepting an offer to replying to its source.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Collectors returns the individual prometheus.Collector values so callers
// can register them (e.g. with prometheus.MustRegister(m.Collectors()...)).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.launchTokens,
		m.matchers,
		m.wantedOffers,
		m.offersInFlight,
		m.acceptedTasks,
		m.rejectedTasks,
		m.matchOfferTimes,
	}
}
