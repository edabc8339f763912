package transport

import (
	"k8s.io/utils/set"

	"github.com/ethsig/signalhub/internal/v1/config"
	"github.com/ethsig/signalhub/internal/v1/metrics"
)

// Room groups clients for routing. All fields are guarded by the owning
// hub's mutex; rooms have no lock of their own.
type Room struct {
	id      RoomID
	cfg     config.RoomConfig
	members map[*Client]struct{}

	// allowedTypes is nil when the room accepts every message type.
	allowedTypes set.Set[string]
}

func newRoom(cfg config.RoomConfig) *Room {
	r := &Room{
		id:      RoomID(cfg.ID),
		cfg:     cfg,
		members: make(map[*Client]struct{}),
	}
	if len(cfg.AllowedMessageTypes) > 0 {
		r.allowedTypes = set.New(cfg.AllowedMessageTypes...)
	}
	return r
}

// typeAllowed reports whether the room routes frames of the given type.
func (r *Room) typeAllowed(msgType string) bool {
	return r.allowedTypes == nil || r.allowedTypes.Has(msgType)
}

func (r *Room) add(c *Client) {
	r.members[c] = struct{}{}
	metrics.RoomMembers.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
}

func (r *Room) remove(c *Client) {
	delete(r.members, c)
	metrics.RoomMembers.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
}

// snapshot copies the membership so sends can happen outside the hub
// lock.
func (r *Room) snapshot() []*Client {
	out := make([]*Client, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}
