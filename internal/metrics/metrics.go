// Package metrics provides Prometheus instrumentation for the classroom chat
// gateway. It exposes gauges for connection and room counts, a counter for
// message outcomes, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classchat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the number of rooms with at least one connection.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "classchat_rooms_active",
		Help: "Current number of rooms with at least one live connection",
	})

	// MessagesTotal counts processed send events, labeled by outcome:
	// "sent", "rejected", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "classchat_messages_total",
		Help: "Total number of send events processed",
	}, []string{"result"})

	// BroadcastLatency records in-memory fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "classchat_broadcast_latency_seconds",
		Help:    "Room broadcast latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BrokerPublishErrors counts durable publish attempts that failed. The
	// broadcast path is unaffected by these; they measure lost durability.
	BrokerPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "classchat_broker_publish_errors_total",
		Help: "Total number of failed durable publishes to the broker",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		MessagesTotal,
		BroadcastLatency,
		BrokerPublishErrors,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
