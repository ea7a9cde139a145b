// Package metrics holds the prometheus instrumentation for the relay
package metrics

import (
	"net/http"

	"github.com/RamadhanIbnu/wsrelay/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsrelay"

var (
	// Connections is the number of authenticated connections currently registered
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Number of registered connections.",
	})

	// Handshakes counts connection attempts by result
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Connection attempts by result.",
	}, []string{"result"})

	// Events counts routed events by source (client or publish) and type
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Events routed, by source and type.",
	}, []string{"source", "type"})

	// Deliveries counts sends to individual connections by result
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Payloads sent to connections, by result.",
	}, []string{"result"})

	// Dropped counts events that were not routed, by reason
	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_total",
		Help:      "Events dropped without routing, by reason.",
	}, []string{"reason"})
)

// Handshake results
const (
	Accepted     = "accepted"
	Unauthorized = "unauthorized"
	Denied       = "denied"
	Failed       = "error"
)

// Event sources
const (
	SourceClient  = "client"
	SourcePublish = "publish"
)

// TypeLabel maps an event type to a label value. Unknown types share
// one label so that clients cannot create arbitrary series.
func TypeLabel(t string) string {
	switch t {
	case event.TypePing,
		event.TypePresence,
		event.TypeTyping,
		event.TypeReactionCreated,
		event.TypeReactionRemoved,
		event.TypeMessageCreated,
		event.TypeConversationRead:
		return t
	default:
		return "application"
	}
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
