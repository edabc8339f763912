// Package transport owns the WebSocket layer: admission of new
// connections, the per-connection read/write pumps, room membership,
// and frame routing between clients.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ethsig/signalhub/internal/v1/auth"
	"github.com/ethsig/signalhub/internal/v1/config"
	"github.com/ethsig/signalhub/internal/v1/ipfilter"
	"github.com/ethsig/signalhub/internal/v1/logging"
	"github.com/ethsig/signalhub/internal/v1/metrics"
	"github.com/ethsig/signalhub/internal/v1/ratelimit"
)

// admitMode is how a connection clears the auth prescreen.
type admitMode string

const (
	admitAnonymous admitMode = "anonymous"
	admitToken     admitMode = "token"
	admitHandshake admitMode = "handshake"
)

// Hub is the single owner of all cross-connection state. One mutex
// serializes the connection registry, the room table, and the per-IP
// counters; fan-out snapshots members under the lock and sends outside
// it.
type Hub struct {
	cfg      *config.Config
	engine   *auth.Engine
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	rooms   map[RoomID]*Room
	ipConns map[string]int
	total   int
}

// NewHub wires a hub from the configuration snapshot. Allowed origins
// come from the ALLOWED_ORIGINS environment variable; when unset, any
// origin is accepted so browser clients work out of the box.
func NewHub(cfg *config.Config) *Hub {
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS")
	h := &Hub{
		cfg:     cfg,
		engine:  auth.NewEngine(cfg.Auth),
		limiter: ratelimit.New(cfg.RateLimitRules),
		clients: make(map[*Client]struct{}),
		rooms:   make(map[RoomID]*Room),
		ipConns: make(map[string]int),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	return h
}

// ServeWs is the gin handler for the WebSocket endpoint. The admission
// gates run in a fixed order and their failure statuses are part of the
// protocol: 403 for a filtered IP, 503 for any capacity limit, 401 for
// a missing token.
func (h *Hub) ServeWs(c *gin.Context) {
	ip := clientIP(c.Request)

	if !ipfilter.Allowed(ip, h.cfg.IPFilters) {
		metrics.AdmissionRejections.WithLabelValues("ip_filter").Inc()
		logging.Warn(c.Request.Context(), "Connection rejected by IP filter", zap.String("ip", ip))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	if !h.reserveSlot(ip, c) {
		return
	}

	mode, userID := h.prescreen(c)
	if mode == admitToken && userID == "" {
		h.releaseSlot(ip)
		metrics.AdmissionRejections.WithLabelValues("missing_token").Inc()
		logging.Warn(c.Request.Context(), "Token auth enabled but no token provided", zap.String("ip", ip))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written its own response.
		h.releaseSlot(ip)
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	now := time.Now()
	client := newClient(h, conn, ip, now)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	metrics.IncConnection()
	metrics.ConnectionsTotal.WithLabelValues(string(mode)).Inc()

	if mode == admitHandshake {
		h.issueChallenge(client)
	} else {
		client.promote(userID, "", now)
		h.joinDefault(client)
	}

	go client.writePump()
	go client.readPump()

	if h.cfg.Logging.LogConnections {
		fields := []zap.Field{
			zap.String("clientId", string(client.ID())),
			zap.String("ip", ip),
			zap.String("mode", string(mode)),
		}
		if mode == admitToken {
			fields = append(fields, zap.String("token", logging.RedactToken(c.Query("token"))))
		}
		logging.Info(c.Request.Context(), "Client connected", fields...)
	}
}

// reserveSlot checks the capacity gates and claims a slot under the hub
// lock, so two upgrades racing at a limit cannot both pass. On a refusal
// it writes the 503 itself and reports false.
func (h *Hub) reserveSlot(ip string, c *gin.Context) bool {
	limits := h.cfg.ConnectionLimits

	h.mu.Lock()
	switch {
	case h.total >= limits.MaxTotalConnections:
		h.mu.Unlock()
		metrics.AdmissionRejections.WithLabelValues("total_cap").Inc()
		logging.Warn(c.Request.Context(), "Connection rejected, server full",
			zap.Int("maxTotalConnections", limits.MaxTotalConnections))
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return false
	case h.ipConns[ip] >= limits.MaxConnectionsPerIP:
		h.mu.Unlock()
		metrics.AdmissionRejections.WithLabelValues("ip_cap").Inc()
		logging.Warn(c.Request.Context(), "Connection rejected, per-IP limit reached",
			zap.String("ip", ip), zap.Int("maxConnectionsPerIP", limits.MaxConnectionsPerIP))
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return false
	case h.defaultRoomFullLocked(limits.MaxConnectionsPerRoom):
		h.mu.Unlock()
		metrics.AdmissionRejections.WithLabelValues("room_cap").Inc()
		logging.Warn(c.Request.Context(), "Connection rejected, default room full",
			zap.Int("maxConnectionsPerRoom", limits.MaxConnectionsPerRoom))
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return false
	}
	h.total++
	h.ipConns[ip]++
	h.mu.Unlock()
	return true
}

// defaultRoomFullLocked checks the default room occupancy. Capacity is
// only enforced here, at upgrade time; joins are not capacity checked.
func (h *Hub) defaultRoomFullLocked(maxPerRoom int) bool {
	def := h.cfg.DefaultRoom()
	if def == nil {
		return false
	}
	room, ok := h.rooms[RoomID(def.ID)]
	return ok && len(room.members) >= maxPerRoom
}

func (h *Hub) releaseSlot(ip string) {
	h.mu.Lock()
	h.total--
	h.releaseIPLocked(ip)
	h.mu.Unlock()
}

func (h *Hub) releaseIPLocked(ip string) {
	if n := h.ipConns[ip] - 1; n > 0 {
		h.ipConns[ip] = n
	} else {
		delete(h.ipConns, ip)
	}
}

// prescreen decides how the connection authenticates before the upgrade
// runs. Anonymous access, when allowed, wins over every method. For the
// token method an empty userID means the required token was absent.
func (h *Hub) prescreen(c *gin.Context) (admitMode, string) {
	a := h.cfg.Auth
	switch {
	case !a.Enabled || a.AllowAnonymous:
		return admitAnonymous, auth.AnonymousUserID(a.AnonymousPrefix)
	case a.Method == config.MethodToken:
		token := c.Query("token")
		if token == "" {
			return admitToken, ""
		}
		return admitToken, auth.TokenUserID(token)
	case a.Method == config.MethodEthereumHandshake:
		return admitHandshake, ""
	default:
		// Method "none" with anonymous disallowed still has nothing to
		// verify, so the connection is admitted as anonymous.
		return admitAnonymous, auth.AnonymousUserID(a.AnonymousPrefix)
	}
}

// issueChallenge sends the handshake challenge to a freshly admitted
// pending connection. The expiry callback reaps pending sockets whose
// challenge lapsed without a response.
func (h *Hub) issueChallenge(c *Client) {
	now := time.Now()
	ch := h.engine.Issue(c.key, func() {
		logging.GetLogger().Debug("Closing pending connection with lapsed challenge",
			zap.String("clientId", string(c.ID())))
		c.Send(newAuthFailedFrame(auth.ErrChallengeExpired.Error()))
		c.Close(closeCodeAuthFailure, auth.ErrChallengeExpired.Error())
	})
	c.markChallenged(now)
	c.Send(newChallengeFrame(ch))
}

// handleDisconnect releases everything a connection held: its registry
// slot, IP count, room membership, and any pending challenge. Safe to
// call once per client from the read pump teardown.
func (h *Hub) handleDisconnect(c *Client) {
	h.engine.Drop(c.key)

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.total--
	h.releaseIPLocked(c.remoteIP)
	h.leaveLocked(c)
	h.mu.Unlock()

	if h.cfg.Logging.LogConnections {
		logging.Info(context.Background(), "Client disconnected",
			zap.String("clientId", string(c.ID())),
			zap.String("ip", c.remoteIP),
			zap.Duration("connected", time.Since(c.connectedAt)))
	}
}

// ClientCount reports the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// PendingHandshakes reports outstanding unanswered challenges.
func (h *Hub) PendingHandshakes() int {
	return h.engine.PendingCount()
}

// Shutdown closes every connection with a normal close code. Each
// driver observes its socket closing and runs the usual cleanup.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	logging.Info(context.Background(), "Closing all connections", zap.Int("count", len(clients)))
	for _, c := range clients {
		c.Close(websocket.CloseNormalClosure, "server shutting down")
	}
}

// clientIP extracts the peer address from the socket, not from proxy
// headers, matching what the IP filter and per-IP limits count.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return ipfilter.Normalize(host)
}

// validateOrigin checks the Origin header against the allowed list. An
// empty list allows everything; an absent header allows non-browser
// clients through.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	if len(allowedOrigins) == 0 {
		return nil
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.GetLogger().Debug("No origin header, allowing non-browser client")
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
