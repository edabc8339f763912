package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ethsig/signalhub/internal/v1/config"
	"github.com/ethsig/signalhub/internal/v1/logging"
	"github.com/ethsig/signalhub/internal/v1/metrics"
	"github.com/ethsig/signalhub/internal/v1/ratelimit"
)

// dispatch funnels every inbound frame: pending connections only ever
// talk to the handshake, authenticated ones go to the router.
func (h *Hub) dispatch(c *Client, raw []byte) {
	if !c.Authenticated() {
		h.handlePending(c, raw)
		return
	}
	h.route(c, raw)
}

// handlePending processes frames from a connection that has not finished
// the handshake. Anything but an auth-response gets the auth-required
// error and the connection stays pending; a failed verification is
// terminal.
func (h *Hub) handlePending(c *Client, raw []byte) {
	f := parseFrame(raw)
	if f.Type != frameAuthResponse {
		c.Send(newErrorFrame(authRequiredError))
		return
	}

	address, err := h.engine.Verify(c.key, f.Signature, f.Address)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		logging.Warn(context.Background(), "Handshake verification failed",
			zap.String("clientId", string(c.ID())), zap.Error(err))
		c.Send(newAuthFailedFrame(err.Error()))
		c.Close(closeCodeAuthFailure, err.Error())
		return
	}

	now := time.Now()
	id := c.promote(address, address, now)
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	if started := c.handshakeStarted(); !started.IsZero() {
		metrics.HandshakeDuration.Observe(now.Sub(started).Seconds())
	}
	logging.Info(context.Background(), "Handshake verified",
		zap.String("clientId", string(id)), zap.String("address", address))

	c.Send(newAuthSuccessFrame(address, id))
	h.joinDefault(c)
}

// route implements the delivery procedure for one authenticated frame:
// rate limit, control handling, room type policy, then fan-out. The
// frame is forwarded verbatim; the server never rewrites payloads.
func (h *Hub) route(c *Client, raw []byte) {
	f := parseFrame(raw)
	now := time.Now()

	if h.limiter.Enabled() {
		if c.tracker == nil {
			c.tracker = ratelimit.NewTracker()
		}
		if !h.limiter.Allow(c.tracker, f.Type, now) {
			metrics.RateLimited.Inc()
			c.Send(newErrorFrame("Rate limit exceeded"))
			return
		}
	}

	// Control frames. A join without a roomId is not a control frame and
	// falls through to routing like any other typed message.
	if f.Type == frameJoin && f.RoomID != "" {
		h.join(c, f.RoomID)
		return
	}
	if f.Type == frameLeave {
		h.leave(c)
		return
	}

	h.mu.Lock()
	room := c.room
	if room != nil && !room.typeAllowed(f.Type) {
		h.mu.Unlock()
		c.Send(newErrorFrame(fmt.Sprintf("Message type '%s' not allowed in this room", f.Type)))
		return
	}

	mode := config.RouteBroadcast
	var roomID RoomID
	if room != nil {
		roomID = room.id
		if room.cfg.RoutingMode != "" {
			mode = room.cfg.RoutingMode
		}
	}

	var recipients []*Client
	switch mode {
	case config.RouteUnicast:
		if f.TargetID != "" {
			if target := h.findClientLocked(ClientID(f.TargetID)); target != nil {
				recipients = []*Client{target}
			}
		}
	default:
		// Multicast and unrecognized modes route as broadcast. Without a
		// room the frame goes to every other connection globally.
		if room != nil {
			recipients = room.snapshot()
		} else {
			recipients = h.allClientsLocked()
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, peer := range recipients {
		if peer == c {
			continue
		}
		if peer.Send(raw) {
			delivered++
		}
	}

	label := "broadcast"
	if mode == config.RouteUnicast {
		label = "unicast"
	}
	metrics.MessagesRouted.WithLabelValues(label).Inc()
	c.recordMessage(now)

	if h.cfg.Logging.LogMessages {
		logging.GetLogger().Debug("Frame routed",
			zap.String("type", f.Type),
			zap.String("from", string(c.ID())),
			zap.String("roomId", string(roomID)),
			zap.Int("delivered", delivered))
	}
}

func (h *Hub) findClientLocked(id ClientID) *Client {
	for peer := range h.clients {
		if peer.ID() == id {
			return peer
		}
	}
	return nil
}

func (h *Hub) allClientsLocked() []*Client {
	out := make([]*Client, 0, len(h.clients))
	for peer := range h.clients {
		out = append(out, peer)
	}
	return out
}

// join moves the client into the room with the given id. An unknown id
// falls back to the default room; with no rooms configured at all the
// join is ignored.
func (h *Hub) join(c *Client, roomID string) {
	target := h.cfg.RoomByID(roomID)
	if target == nil {
		target = h.cfg.DefaultRoom()
	}
	if target == nil {
		logging.GetLogger().Debug("Join ignored, no rooms configured",
			zap.String("clientId", string(c.ID())), zap.String("roomId", roomID))
		return
	}

	h.mu.Lock()
	if c.room != nil && c.room.id != RoomID(target.ID) {
		h.leaveLocked(c)
	}
	room := h.getOrCreateRoomLocked(*target)
	room.add(c)
	c.room = room
	h.mu.Unlock()

	if h.cfg.Logging.LogConnections {
		logging.Info(context.Background(), "Client joined room",
			zap.String("clientId", string(c.ID())),
			zap.String("roomId", target.ID))
	}
}

// joinDefault auto-joins the default room after authentication, when one
// is configured.
func (h *Hub) joinDefault(c *Client) {
	if def := h.cfg.DefaultRoom(); def != nil {
		h.join(c, def.ID)
	}
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	left := h.leaveLocked(c)
	h.mu.Unlock()

	if left != "" && h.cfg.Logging.LogConnections {
		logging.Info(context.Background(), "Client left room",
			zap.String("clientId", string(c.ID())),
			zap.String("roomId", string(left)))
	}
}

// leaveLocked removes the client from its room and drops the room when
// it empties. Returns the id of the room left, or "".
func (h *Hub) leaveLocked(c *Client) RoomID {
	if c.room == nil {
		return ""
	}
	room := c.room
	room.remove(c)
	c.room = nil
	if len(room.members) == 0 {
		delete(h.rooms, room.id)
		metrics.RoomMembers.DeleteLabelValues(string(room.id))
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
	}
	return room.id
}

func (h *Hub) getOrCreateRoomLocked(cfg config.RoomConfig) *Room {
	if room, ok := h.rooms[RoomID(cfg.ID)]; ok {
		return room
	}
	room := newRoom(cfg)
	h.rooms[room.id] = room
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	logging.GetLogger().Debug("Room created", zap.String("roomId", cfg.ID))
	return room
}
