package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the queue's Prometheus collectors.
type Metrics struct {
	Enqueued prometheus.Counter
	Replayed prometheus.Counter
	Retried  prometheus.Counter
	Dropped  prometheus.Counter
	Pending  prometheus.Gauge
	Online   prometheus.Gauge
}

// NewMetrics registers the queue collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "offline",
			Name:      "enqueued_total",
			Help:      "Writes queued while the store was unreachable.",
		}),
		Replayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "offline",
			Name:      "replayed_total",
			Help:      "Queued writes replayed successfully.",
		}),
		Retried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "offline",
			Name:      "retries_total",
			Help:      "Failed replay attempts.",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vetsync",
			Subsystem: "offline",
			Name:      "dropped_total",
			Help:      "Queued writes abandoned after the attempt ceiling.",
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vetsync",
			Subsystem: "offline",
			Name:      "pending",
			Help:      "Writes waiting in the queue.",
		}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vetsync",
			Subsystem: "offline",
			Name:      "connected",
			Help:      "1 while the store connection is up.",
		}),
	}
}
