// Package metrics provides Prometheus instrumentation for the messaging
// gateway. It exposes gauges for connections, presence and typing state,
// counters for message operations, broadcast frames and handler faults, and a
// histogram for event handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of authenticated WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_total",
		Help: "Current number of authenticated WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_online_users",
		Help: "Current number of users with at least one open connection",
	})

	// TypingActive tracks the number of live typing entries.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_typing_active",
		Help: "Current number of live typing indicators",
	})

	// MessagesTotal counts successful message operations, labeled by op:
	// "created", "updated", "deleted" or "read".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_total",
		Help: "Total number of message operations persisted",
	}, []string{"op"})

	// BroadcastFrames counts frames written by the broadcast hub, labeled by
	// scope: "room", "global" or "direct".
	BroadcastFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broadcast_frames_total",
		Help: "Total number of frames written to connections",
	}, []string{"scope"})

	// HandlerFaults counts events answered on their error channel, labeled by
	// fault kind.
	HandlerFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_handler_faults_total",
		Help: "Total number of client events that failed",
	}, []string{"kind"})

	// HandlerLatency records client event handling latency in seconds.
	HandlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_handler_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		TypingActive,
		MessagesTotal,
		BroadcastFrames,
		HandlerFaults,
		HandlerLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
