package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's prometheus collectors on a private registry.
// All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	Rooms             prometheus.Gauge
	Sessions          prometheus.Gauge
	Ticks             prometheus.Counter
	FramesSent        *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	MessagesDiscarded prometheus.Counter
	JoinsRejected     prometheus.Counter
}

// NewMetrics registers the relay collectors on a fresh registry.
//
// Postcondition: Returns Metrics whose Handler serves every collector plus Go runtime stats.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "posrelay_rooms",
			Help: "Rooms currently holding at least one session.",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "posrelay_sessions",
			Help: "Open client sessions.",
		}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "posrelay_ticks_total",
			Help: "Broadcast scheduler ticks executed.",
		}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posrelay_frames_sent_total",
			Help: "Outbound frames queued to a session, by message type.",
		}, []string{"type"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posrelay_frames_dropped_total",
			Help: "Outbound frames skipped because the session outbox was full or closed, by message type.",
		}, []string{"type"}),
		MessagesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "posrelay_messages_discarded_total",
			Help: "Inbound messages dropped as malformed.",
		}),
		JoinsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "posrelay_joins_rejected_total",
			Help: "Join requests rejected for an invalid room.",
		}),
	}
}

// Delivered records the outcome of one best-effort send of a frame of type typ.
func (m *Metrics) Delivered(typ string, ok bool) {
	if ok {
		m.FramesSent.WithLabelValues(typ).Inc()
		return
	}
	m.FramesDropped.WithLabelValues(typ).Inc()
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
