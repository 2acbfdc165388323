package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the observability surface every instance exports.
type Metrics struct {
	registry *prometheus.Registry

	WSConnections       prometheus.Gauge
	PubSubBacklog       *prometheus.GaugeVec
	BroadcastLatencyMS  prometheus.Histogram
	MessagesPublished   prometheus.Counter
	MessagesBroadcasted prometheus.Counter
	CommandsAccepted    *prometheus.CounterVec
	CommandsRejected    *prometheus.CounterVec
	AutoFinish          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_ws_connections",
			Help: "Open WebSocket connections on this instance.",
		}),
		PubSubBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pubsub_backlog",
			Help: "Received pub/sub frames not yet dispatched locally.",
		}, []string{"channel"}),
		BroadcastLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broadcast_latency_ms",
			Help:    "Latency from publish to local delivery in milliseconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_published",
			Help: "Frames published to the pub/sub bus.",
		}),
		MessagesBroadcasted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_messages_broadcasted",
			Help: "Frames delivered to local subscribers.",
		}),
		CommandsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_accepted_total",
			Help: "Accepted referee commands by kind.",
		}, []string{"kind"}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_rejected_total",
			Help: "Rejected commands by reason.",
		}, []string{"reason"}),
		AutoFinish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auto_finish_total",
			Help: "Engine-initiated finishes by cause.",
		}, []string{"cause"}),
	}

	m.registry.MustRegister(
		m.WSConnections,
		m.PubSubBacklog,
		m.BroadcastLatencyMS,
		m.MessagesPublished,
		m.MessagesBroadcasted,
		m.CommandsAccepted,
		m.CommandsRejected,
		m.AutoFinish,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer builds the scrape endpoint server.
func NewServer(addr string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
