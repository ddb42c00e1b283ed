package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the delivery engine's operational counters.
type Metrics struct {
	Connections     prometheus.Gauge
	Messages        *prometheus.CounterVec
	OfflineEnqueued prometheus.Counter
	OfflineDrained  prometheus.Counter
	TypingEvents    prometheus.Counter
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "ws_connections",
			Help:      "Number of live websocket connections.",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "messages_total",
			Help:      "Messages processed by the delivery engine.",
		}, []string{"kind", "outcome"}),
		OfflineEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "offline_enqueued_total",
			Help:      "Events appended to offline mailboxes.",
		}),
		OfflineDrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "offline_drained_total",
			Help:      "Events replayed from offline mailboxes.",
		}),
		TypingEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "typing_events_total",
			Help:      "Typing signals relayed.",
		}),
	}
}

// Message outcome label values.
const (
	outcomeDelivered = "delivered"
	outcomeQueued    = "queued"
	outcomeFanout    = "fanout"
	outcomeBlocked   = "blocked"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)
