package transport

import (
	"crypto/ecdsa"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethsig/signalhub/internal/v1/config"
)

type wireFrame map[string]any

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout(), "expected no frame, got something else: %v", err)
}

// authenticate drives the wallet handshake on a fresh connection and
// returns the assigned clientId.
func authenticate(t *testing.T, conn *websocket.Conn, key *ecdsa.PrivateKey) string {
	t.Helper()
	challenge := readFrame(t, conn)
	require.Equal(t, "auth-challenge", challenge["type"])

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	signature := personalSignTest(t, challenge["message"].(string), key)
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":      "auth-response",
		"signature": signature,
		"address":   address,
	}))

	success := readFrame(t, conn)
	require.Equal(t, "auth-success", success["type"], "handshake failed: %v", success)
	return success["clientId"].(string)
}

func mustGenerateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestIntegration_HandshakeAndBroadcast(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogConnections = false
	srv, h := newSignalServer(t, cfg)

	a, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)
	b, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)

	authenticate(t, a, mustGenerateKey(t))
	authenticate(t, b, mustGenerateKey(t))
	require.Eventually(t, func() bool { return roomSize(h, "default") == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(map[string]string{"type": "custom", "data": "hi"}))

	got := readFrame(t, b)
	assert.Equal(t, "custom", got["type"])
	assert.Equal(t, "hi", got["data"])

	expectSilence(t, a)

	a.Close()
	b.Close()
	waitForClients(t, h, 0)
}

func TestIntegration_Unicast(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogConnections = false
	cfg.Rooms = []config.RoomConfig{{ID: "signal", RoutingMode: config.RouteUnicast}}
	srv, h := newSignalServer(t, cfg)

	a, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)
	b, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)
	c, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)

	authenticate(t, a, mustGenerateKey(t))
	bID := authenticate(t, b, mustGenerateKey(t))
	authenticate(t, c, mustGenerateKey(t))
	require.Eventually(t, func() bool { return roomSize(h, "signal") == 3 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(map[string]string{
		"type": "custom", "targetId": bID, "data": "x",
	}))

	got := readFrame(t, b)
	assert.Equal(t, bID, got["targetId"])
	expectSilence(t, c)

	a.Close()
	b.Close()
	c.Close()
	waitForClients(t, h, 0)
}

func TestIntegration_BadSignatureClosesWith4001(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogConnections = false
	srv, h := newSignalServer(t, cfg)

	conn, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)

	challenge := readFrame(t, conn)
	require.Equal(t, "auth-challenge", challenge["type"])

	key := mustGenerateKey(t)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	// A real signature over the wrong message.
	signature := personalSignTest(t, "not the challenge message", key)
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":      "auth-response",
		"signature": signature,
		"address":   address,
	}))

	failed := readFrame(t, conn)
	assert.Equal(t, "auth-failed", failed["type"])
	assert.Equal(t, "Signature verification failed", failed["reason"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got: %v", err)
	assert.Equal(t, closeCodeAuthFailure, closeErr.Code)
	assert.Equal(t, "Signature verification failed", closeErr.Text)

	waitForClients(t, h, 0)
}

func TestIntegration_ExpiredChallenge(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogConnections = false
	cfg.Auth.HandshakeExpiry = 1
	srv, h := newSignalServer(t, cfg)

	conn, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)

	challenge := readFrame(t, conn)
	key := mustGenerateKey(t)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	signature := personalSignTest(t, challenge["message"].(string), key)

	time.Sleep(1100 * time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":      "auth-response",
		"signature": signature,
		"address":   address,
	}))

	failed := readFrame(t, conn)
	assert.Equal(t, "auth-failed", failed["type"])
	assert.Equal(t, "Handshake challenge expired", failed["reason"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got: %v", err)
	assert.Equal(t, closeCodeAuthFailure, closeErr.Code)
	assert.Equal(t, "Handshake challenge expired", closeErr.Text)

	waitForClients(t, h, 0)
}

func TestIntegration_PendingFramesRejectedUntilHandshake(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogConnections = false
	srv, h := newSignalServer(t, cfg)

	conn, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)

	challenge := readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "custom", "data": "early"}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "Authentication required. Send auth-response with signature and address.", errFrame["error"])

	// The connection survives and the original challenge still verifies.
	key := mustGenerateKey(t)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	signature := personalSignTest(t, challenge["message"].(string), key)
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":      "auth-response",
		"signature": signature,
		"address":   address,
	}))
	success := readFrame(t, conn)
	assert.Equal(t, "auth-success", success["type"])

	conn.Close()
	waitForClients(t, h, 0)
}

func TestIntegration_DisallowedTypeNotForwarded(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.LogConnections = false
	cfg.Rooms = []config.RoomConfig{{
		ID:                  "default",
		RoutingMode:         config.RouteBroadcast,
		AllowedMessageTypes: []string{"custom"},
	}}
	srv, h := newSignalServer(t, cfg)

	a, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)
	b, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)

	authenticate(t, a, mustGenerateKey(t))
	authenticate(t, b, mustGenerateKey(t))
	require.Eventually(t, func() bool { return roomSize(h, "default") == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(map[string]string{"type": "offer", "sdp": "v=0"}))

	errFrame := readFrame(t, a)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "Message type 'offer' not allowed in this room", errFrame["error"])
	expectSilence(t, b)

	a.Close()
	b.Close()
	waitForClients(t, h, 0)
}

func TestIntegration_GracefulShutdown(t *testing.T) {
	cfg := testConfig()
	srv, h := newSignalServer(t, cfg)

	conn, _, err := dial(t, srv, "/ws")
	require.NoError(t, err)
	waitForClients(t, h, 1)

	h.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got: %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	waitForClients(t, h, 0)
}
