// Package metrics provides Prometheus instrumentation for the tavern chat
// client. It exposes a gauge for the connection state, counters for message
// and reconnect throughput, and outcome counters for the form flows.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 idle, 1 connecting, 2 connected, 3 disconnected.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tavern_client_connection_state",
		Help: "Current connection state (0 idle, 1 connecting, 2 connected, 3 disconnected)",
	})

	// EventsTotal counts frames by direction and event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tavern_client_events_total",
		Help: "Total number of events exchanged with the backend",
	}, []string{"direction", "type"}) // direction = "in", "out", "dropped"

	// ReconnectsTotal counts reconnection attempts, labeled by transport.
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tavern_client_reconnects_total",
		Help: "Total number of transport reconnection attempts",
	}, []string{"transport"})

	// Participants tracks the size of the last presence snapshot.
	Participants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tavern_client_participants",
		Help: "Number of participants in the last presence snapshot",
	})

	// FormRequestsTotal counts form submissions by form and outcome.
	FormRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tavern_client_form_requests_total",
		Help: "Total number of form submissions",
	}, []string{"form", "outcome"}) // outcome = "ok", "http_error", "transport_error"

	// FormLatency records form round-trip latency in seconds.
	FormLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tavern_client_form_latency_seconds",
		Help:    "Form submission latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		EventsTotal,
		ReconnectsTotal,
		Participants,
		FormRequestsTotal,
		FormLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
