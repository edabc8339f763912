// Package sigclient is a WebSocket client for the signaling hub. It
// dials the hub, answers the Ethereum handshake when given a private
// key, and exposes the room verbs the hub understands. Frames the hub
// fans out are delivered as raw JSON through Read.
package sigclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/ethsig/signalhub/internal/v1/auth"
)

const (
	handshakeWait = 10 * time.Second
	writeWait     = 10 * time.Second

	// frameBuffer is how many delivered frames may queue between the read
	// loop and Read before the read loop blocks.
	frameBuffer = 32
)

// AuthError reports a handshake the hub rejected.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "handshake rejected: " + e.Reason
}

// wireFrame covers every frame this client sends.
type wireFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Signature string `json:"signature,omitempty"`
	Address   string `json:"address,omitempty"`
}

type challengeFrame struct {
	Type    string `json:"type"`
	Method  string `json:"method"`
	Token   string `json:"token"`
	Message string `json:"message"`
	Expiry  int64  `json:"expiry"`
}

type authResultFrame struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

type dialConfig struct {
	key    *ecdsa.PrivateKey
	token  string
	header http.Header
}

// DialOption customizes a single Dial.
type DialOption func(*dialConfig)

// WithPrivateKey makes Dial wait for the hub's auth-challenge and answer
// it with a personal_sign signature from key. Dial fails if the hub
// rejects the signature.
func WithPrivateKey(key *ecdsa.PrivateKey) DialOption {
	return func(cfg *dialConfig) {
		cfg.key = key
	}
}

// WithToken appends the token query parameter hubs in token auth mode
// check before upgrading.
func WithToken(token string) DialOption {
	return func(cfg *dialConfig) {
		cfg.token = token
	}
}

// WithHTTPHeader adds headers, such as Origin, to the upgrade request.
func WithHTTPHeader(header http.Header) DialOption {
	return func(cfg *dialConfig) {
		cfg.header = header
	}
}

// Dialer opens hub connections through a circuit breaker, so an app that
// reconnects in a loop stops hammering a hub that keeps refusing it.
type Dialer struct {
	ws websocket.Dialer
	cb *gobreaker.CircuitBreaker
}

// NewDialer returns a Dialer that trips after three consecutive failed
// dials and probes again after thirty seconds.
func NewDialer() *Dialer {
	return &Dialer{
		ws: websocket.Dialer{HandshakeTimeout: handshakeWait},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "signalhub-dial",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Dial connects to the hub at rawURL. With WithPrivateKey the handshake
// is completed before Dial returns; with WithToken the token rides the
// query string. When the breaker is open Dial fails immediately with
// gobreaker.ErrOpenState.
func (d *Dialer) Dial(ctx context.Context, rawURL string, opts ...DialOption) (*Client, error) {
	cfg := dialConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	res, err := d.cb.Execute(func() (interface{}, error) {
		return d.dial(ctx, rawURL, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Client), nil
}

func (d *Dialer) dial(ctx context.Context, rawURL string, cfg *dialConfig) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if cfg.token != "" {
		q := u.Query()
		q.Set("token", cfg.token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := d.ws.DialContext(ctx, u.String(), cfg.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (http status %d)", u.String(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	c := &Client{
		conn:   conn,
		frames: make(chan []byte, frameBuffer),
		done:   make(chan struct{}),
	}

	if cfg.key != nil {
		if err := c.completeHandshake(ctx, cfg.key); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go c.readLoop()
	return c, nil
}

// Dial connects with a fresh Dialer. Apps that reconnect should keep a
// Dialer around instead, so the breaker sees repeated failures.
func Dial(ctx context.Context, rawURL string, opts ...DialOption) (*Client, error) {
	return NewDialer().Dial(ctx, rawURL, opts...)
}

// SignChallenge produces the personal_sign signature and address the hub
// expects in an auth-response. Exported for callers that run the
// handshake themselves instead of passing WithPrivateKey.
func SignChallenge(key *ecdsa.PrivateKey, message string) (signature, address string, err error) {
	sig, err := crypto.Sign(auth.HashPersonalMessage(message), key)
	if err != nil {
		return "", "", fmt.Errorf("signing challenge: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Client is a live hub connection. Send and Read are safe for
// concurrent use; frames arrive in the order the hub delivered them.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	clientID string
	address  string
	readErr  error

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) completeHandshake(ctx context.Context, key *ecdsa.PrivateKey) error {
	deadline := time.Now().Add(handshakeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	var challenge challengeFrame
	if err := c.conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("reading handshake challenge: %w", err)
	}
	if challenge.Type != "auth-challenge" {
		return fmt.Errorf("expected auth-challenge, got %q", challenge.Type)
	}

	signature, address, err := SignChallenge(key, challenge.Message)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(wireFrame{Type: "auth-response", Signature: signature, Address: address}); err != nil {
		return fmt.Errorf("sending auth-response: %w", err)
	}

	var result authResultFrame
	if err := c.conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("reading handshake result: %w", err)
	}
	switch result.Type {
	case "auth-success":
		c.mu.Lock()
		c.clientID = result.ClientID
		c.address = result.Address
		c.mu.Unlock()
	case "auth-failed":
		return &AuthError{Reason: result.Reason}
	default:
		return fmt.Errorf("expected handshake result, got %q", result.Type)
	}

	return c.conn.SetReadDeadline(time.Time{})
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.frames <- raw:
		case <-c.done:
			return
		}
	}
}

// Read returns the next frame the hub delivered. It blocks until a
// frame arrives, ctx ends, or the connection is gone; after the
// connection drops it returns the error that ended it.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-c.frames:
		if !ok {
			return nil, c.readError()
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.readErr != nil {
		return c.readErr
	}
	return net.ErrClosed
}

// Send marshals v to JSON and writes it as one text frame.
func (c *Client) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return c.SendRaw(raw)
}

// SendRaw writes an already encoded frame.
func (c *Client) SendRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Join asks the hub to move this client into roomID.
func (c *Client) Join(roomID string) error {
	return c.Send(wireFrame{Type: "join", RoomID: roomID})
}

// Leave drops the client out of its current room.
func (c *Client) Leave() error {
	return c.Send(wireFrame{Type: "leave"})
}

// ClientID returns the identity the hub assigned during the handshake,
// or empty when the dial skipped it.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Address returns the Ethereum address the hub verified, in the
// lowercase form the hub uses for identity. Empty when the dial skipped
// the handshake.
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// Close sends a normal closure frame and tears the connection down.
// Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
