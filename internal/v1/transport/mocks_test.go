package transport

import (
	"testing"
	"time"

	"github.com/ethsig/signalhub/internal/v1/config"
)

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}

// testConfig returns a snapshot with generous limits and the handshake
// disabled, the baseline most routing tests want.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.Enabled = false
	cfg.Logging.LogConnections = false
	return cfg
}

// addTestClient registers a client on the hub the way ServeWs would,
// without a real socket. The returned client has no running pumps, so
// outbound frames stay in its send buffer for drainFrames to collect.
func addTestClient(t testing.TB, h *Hub, userID string) *Client {
	t.Helper()
	c := newClient(h, &MockConnection{}, "127.0.0.1", time.Now())
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.total++
	h.ipConns[c.remoteIP]++
	h.mu.Unlock()
	if userID != "" {
		c.promote(userID, "", time.Now())
	}
	return c
}

// drainFrames empties a client's send buffer.
func drainFrames(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, raw)
		default:
			return out
		}
	}
}
