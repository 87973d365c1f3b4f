// ABOUTME: Prometheus metrics for the broadcast hub
// ABOUTME: Tracks subscriber population, broadcast volume, drops, and force-closes

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	subscribers prometheus.Gauge
	broadcasts  prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	forceClosed prometheus.Counter
	replayed    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		subscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "squadhub",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently connected subscribers.",
		}),
		broadcasts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "squadhub",
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Envelopes offered to the hub for fan-out.",
		}),
		delivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "squadhub",
			Subsystem: "hub",
			Name:      "delivered_total",
			Help:      "Envelope copies enqueued to subscriber queues.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "squadhub",
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Envelope copies dropped due to full subscriber queues.",
		}),
		forceClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "squadhub",
			Subsystem: "hub",
			Name:      "force_closed_total",
			Help:      "Subscribers disconnected for exceeding the drop threshold.",
		}),
		replayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "squadhub",
			Subsystem: "hub",
			Name:      "replayed_total",
			Help:      "Envelopes replayed to resubscribing clients.",
		}),
	}
}
