package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: signalhub (application-level grouping)
// - subsystem: websocket, room, auth (feature-level grouping)
// - name: specific metric (connections_active, messages_routed_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (frames routed, rejections)
// - Histogram: Latency distributions (handshake duration)

var (
	// ActiveConnections tracks the current number of live WebSocket connections (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of live WebSocket connections",
	})

	// ConnectionsTotal counts accepted connections by how they were admitted (CounterVec - cumulative)
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "websocket",
		Name:      "connections_total",
		Help:      "Total accepted WebSocket connections by admission mode",
	}, []string{"mode"})

	// AdmissionRejections counts upgrade requests turned away before the socket existed (CounterVec - cumulative)
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "websocket",
		Name:      "admission_rejections_total",
		Help:      "Total upgrade requests rejected during admission",
	}, []string{"reason"})

	// MessagesRouted counts frames fanned out by routing mode (CounterVec - cumulative)
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "websocket",
		Name:      "messages_routed_total",
		Help:      "Total frames routed by routing mode",
	}, []string{"mode"})

	// RateLimited counts frames rejected by the sliding-window limiter (Counter - cumulative)
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "websocket",
		Name:      "rate_limited_total",
		Help:      "Total frames rejected by the rate limiter",
	})

	// ActiveRooms tracks the current number of live rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with members",
	})

	// RoomMembers tracks membership per room (GaugeVec with room_id label - current state per room)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalhub",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// AuthAttempts counts handshake verifications by result (CounterVec - cumulative)
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalhub",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total handshake verification attempts by result",
	}, []string{"result"})

	// HandshakeDuration tracks challenge-to-verdict time (Histogram - latency distribution)
	HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "signalhub",
		Subsystem: "auth",
		Name:      "handshake_duration_seconds",
		Help:      "Time from challenge issue to verification verdict",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 15, 60, 300},
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
