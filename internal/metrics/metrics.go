package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	operations *prometheus.CounterVec
	strategies *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	swept      *prometheus.CounterVec
	sessions   prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docworkshop",
			Name:      "operations_total",
			Help:      "Dispatched operations by outcome kind.",
		}, []string{"operation", "outcome"}),
		strategies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docworkshop",
			Name:      "strategy_selected_total",
			Help:      "Strategy that produced each successful operation.",
		}, []string{"operation", "strategy"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docworkshop",
			Name:      "operation_duration_seconds",
			Help:      "Wall-clock time of successful operations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docworkshop",
			Name:      "swept_entries_total",
			Help:      "Expired entries removed by the sweeper.",
		}, []string{"target"}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docworkshop",
			Name:      "sessions_created_total",
			Help:      "Upload sessions created.",
		}),
	}
	m.Registry.MustRegister(m.operations, m.strategies, m.duration, m.swept, m.sessions)
	return m
}

func (m *Metrics) ObserveOperation(operation, outcome, strategy string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	if strategy != "" {
		m.strategies.WithLabelValues(operation, strategy).Inc()
		m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveSweep(target string, removed int) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues(target).Add(float64(removed))
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}
