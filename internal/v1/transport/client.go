package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ethsig/signalhub/internal/v1/logging"
	"github.com/ethsig/signalhub/internal/v1/metrics"
	"github.com/ethsig/signalhub/internal/v1/ratelimit"
)

const (
	// sendBufferSize bounds the per-client outbound queue. A full queue
	// drops frames rather than stalling the hub.
	sendBufferSize = 256

	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second
)

// wsConnection is the slice of *websocket.Conn the client driver uses.
// Tests substitute mocks.
type wsConnection interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one WebSocket connection. The hub owns its lifecycle: the
// read pump drives all inbound handling, the write pump serializes all
// outbound frames.
//
// Identity fields (id, userID, wallet, authenticated) are guarded by mu
// because the handshake rewrites them while other connections may be
// routing to this client. The room pointer is guarded by the hub mutex,
// and tracker is touched only from the read pump.
type Client struct {
	hub  *Hub
	conn wsConnection

	// key identifies this connection inside the auth engine. It never
	// changes, unlike the wire-visible id.
	key string

	remoteIP    string
	connectedAt time.Time

	mu            sync.RWMutex
	id            ClientID
	userID        string
	wallet        string
	authenticated bool
	challengedAt  time.Time
	msgCount      int64
	lastMessageAt time.Time
	isClosed      bool
	closeMsg      []byte

	room    *Room
	tracker *ratelimit.Tracker

	closeOnce sync.Once
	closed    chan struct{}
	send      chan []byte
}

func newClient(hub *Hub, conn wsConnection, remoteIP string, at time.Time) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		key:         uuid.New().String(),
		remoteIP:    remoteIP,
		connectedAt: at,
		id:          pendingClientID(at),
		closed:      make(chan struct{}),
		send:        make(chan []byte, sendBufferSize),
	}
}

// ID returns the wire-visible client identifier.
func (c *Client) ID() ClientID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// UserID returns the authenticated user identity, empty while pending.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Wallet returns the lowercase Ethereum address for handshake-verified
// clients, empty otherwise.
func (c *Client) Wallet() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wallet
}

// Authenticated reports whether the connection may exchange signaling
// frames.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// promote flips the connection into the authenticated state and issues
// its permanent client id.
func (c *Client) promote(userID, wallet string, at time.Time) ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.wallet = wallet
	c.authenticated = true
	c.id = clientIDFor(userID, at)
	return c.id
}

func (c *Client) markChallenged(at time.Time) {
	c.mu.Lock()
	c.challengedAt = at
	c.mu.Unlock()
}

func (c *Client) handshakeStarted() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.challengedAt
}

func (c *Client) recordMessage(at time.Time) {
	c.mu.Lock()
	c.msgCount++
	c.lastMessageAt = at
	c.mu.Unlock()
}

// Send queues a frame for delivery. Frames are dropped, not blocked on,
// when the client cannot keep up. Reports whether the frame was queued.
func (c *Client) Send(raw []byte) (ok bool) {
	if raw == nil {
		return false
	}
	c.mu.RLock()
	closed := c.isClosed
	c.mu.RUnlock()
	if closed {
		return false
	}
	// Close can still win the race after the check above; the recover
	// turns the send-on-closed-channel panic into a dropped frame.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- raw:
		return true
	default:
		logging.GetLogger().Warn("Dropping frame for slow client",
			zap.String("clientId", string(c.ID())))
		return false
	}
}

// Close tears the connection down once. Queued frames are flushed before
// the close frame with the given code and reason goes out.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isClosed = true
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		c.mu.Unlock()
		close(c.closed)
		close(c.send)
	})
}

// readPump drives the connection: every inbound frame funnels through
// the hub dispatcher. Returning unwinds the whole connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.Close(websocket.CloseNormalClosure, "")
		c.conn.Close()
		metrics.DecConnection()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				closeCodeAuthFailure) {
				logging.GetLogger().Debug("WebSocket read error",
					zap.String("clientId", string(c.ID())),
					zap.Error(err))
			}
			return
		}
		select {
		case <-c.closed:
			return
		default:
		}
		c.hub.dispatch(c, raw)
	}
}

// writePump serializes all writes to the socket. It exits when the send
// channel closes, delivering the stored close frame so the peer sees the
// reason before the TCP teardown.
func (c *Client) writePump() {
	for raw := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			logging.GetLogger().Debug("WebSocket write error",
				zap.String("clientId", string(c.ID())),
				zap.Error(err))
			c.conn.Close()
			return
		}
	}
	c.mu.RLock()
	msg := c.closeMsg
	c.mu.RUnlock()
	if msg == nil {
		msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.conn.Close()
}
