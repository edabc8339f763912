package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHub struct {
	clients int
	rooms   int
	pending int
}

func (s *stubHub) ClientCount() int       { return s.clients }
func (s *stubHub) RoomCount() int         { return s.rooms }
func (s *stubHub) PendingHandshakes() int { return s.pending }

func perform(t *testing.T, handler func(*gin.Context), path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	handler(c)
	return w
}

func TestLiveness(t *testing.T) {
	handler := NewHandler(nil, 0)
	w := perform(t, handler.Liveness, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_Healthy(t *testing.T) {
	handler := NewHandler(&stubHub{clients: 3, rooms: 1, pending: 2}, 500)
	w := perform(t, handler.Readiness, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["hub"])
	assert.Equal(t, "healthy", resp.Checks["capacity"])
	assert.Equal(t, 3, resp.Stats["connections"])
	assert.Equal(t, 1, resp.Stats["rooms"])
	assert.Equal(t, 2, resp.Stats["pendingHandshakes"])
}

func TestReadiness_CapacityExhausted(t *testing.T) {
	handler := NewHandler(&stubHub{clients: 500}, 500)
	w := perform(t, handler.Readiness, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Contains(t, resp.Checks["capacity"], "exhausted")
}

func TestReadiness_NoHub(t *testing.T) {
	handler := NewHandler(nil, 500)
	w := perform(t, handler.Readiness, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestReadiness_NoCapConfigured(t *testing.T) {
	// maxTotal zero disables the saturation check entirely.
	handler := NewHandler(&stubHub{clients: 10000}, 0)
	w := perform(t, handler.Readiness, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)
}
