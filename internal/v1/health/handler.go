// Package health serves the Kubernetes-style liveness and readiness
// probes for the signaling server.
package health

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HubStats is the slice of the hub the probes read. Accepting an
// interface keeps the handler testable without a live hub.
type HubStats interface {
	ClientCount() int
	RoomCount() int
	PendingHandshakes() int
}

// Handler manages health check endpoints
type Handler struct {
	hub      HubStats
	maxTotal int
}

// NewHandler creates a health handler over the hub. maxTotal is the
// configured total connection cap; readiness reports saturation when the
// hub reaches it.
func NewHandler(hub HubStats, maxTotal int) *Handler {
	return &Handler{hub: hub, maxTotal: maxTotal}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Stats     map[string]int    `json:"stats"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// Returns 200 whenever the process is alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// Returns 200 while the hub can admit new connections, 503 once the
// total connection cap is reached so load balancers steer elsewhere.
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)
	stats := make(map[string]int)
	allHealthy := true

	if h.hub == nil {
		checks["hub"] = "unhealthy"
		allHealthy = false
	} else {
		checks["hub"] = "healthy"
		clients := h.hub.ClientCount()
		stats["connections"] = clients
		stats["rooms"] = h.hub.RoomCount()
		stats["pendingHandshakes"] = h.hub.PendingHandshakes()

		if h.maxTotal > 0 && clients >= h.maxTotal {
			checks["capacity"] = "exhausted " + strconv.Itoa(clients) + "/" + strconv.Itoa(h.maxTotal)
			allHealthy = false
		} else {
			checks["capacity"] = "healthy"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Stats:     stats,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
