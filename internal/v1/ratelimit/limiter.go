// Package ratelimit enforces the per-connection message rules: every
// enabled rule is a sliding window over the connection's own recent
// frame timestamps. There is no shared counter across connections.
package ratelimit

import (
	"time"

	"k8s.io/utils/set"

	"github.com/ethsig/signalhub/internal/v1/config"
)

// pruneHorizon bounds tracker memory: stamps older than this are dropped
// on every accepted frame. Rule windows are validated to fit inside it.
const pruneHorizon = 60 * time.Second

// Tracker records one connection's accepted frame times. It is owned by
// the connection's read loop and never shared, so it needs no lock.
type Tracker struct {
	stamps []time.Time
}

// NewTracker returns an empty tracker. Created lazily on the first
// inbound frame of a connection.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) countInWindow(from, to time.Time) int {
	n := 0
	for _, s := range t.stamps {
		if !s.Before(from) && !s.After(to) {
			n++
		}
	}
	return n
}

func (t *Tracker) record(now time.Time) {
	t.stamps = append(t.stamps, now)

	cutoff := now.Add(-pruneHorizon)
	i := 0
	for i < len(t.stamps) && t.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.stamps = append(t.stamps[:0], t.stamps[i:]...)
	}
}

// Len reports how many stamps the tracker currently holds.
func (t *Tracker) Len() int {
	return len(t.stamps)
}

type rule struct {
	max    int
	window time.Duration
	types  set.Set[string]
}

// Limiter holds the enabled rules compiled from configuration. A rule
// with messageTypes only gates those types; without, it gates everything.
type Limiter struct {
	rules []rule
}

// New compiles the enabled rules. Disabled rules are dropped here so the
// hot path never looks at them.
func New(rules []config.RateLimitRule) *Limiter {
	l := &Limiter{}
	for _, rc := range rules {
		if !rc.Enabled {
			continue
		}
		r := rule{
			max:    rc.MaxMessages,
			window: time.Duration(rc.WindowMs) * time.Millisecond,
		}
		if len(rc.MessageTypes) > 0 {
			r.types = set.New(rc.MessageTypes...)
		}
		l.rules = append(l.rules, r)
	}
	return l
}

// Enabled reports whether any rule is active. Callers skip tracker
// allocation entirely when it is false.
func (l *Limiter) Enabled() bool {
	return len(l.rules) > 0
}

// Allow checks one frame of msgType against every rule. A frame already
// at maxMessages inside a rule's window is rejected and leaves the
// tracker untouched; an accepted frame is recorded.
func (l *Limiter) Allow(tr *Tracker, msgType string, now time.Time) bool {
	if len(l.rules) == 0 {
		return true
	}
	for _, r := range l.rules {
		if r.types != nil && !r.types.Has(msgType) {
			continue
		}
		if tr.countInWindow(now.Add(-r.window), now) >= r.max {
			return false
		}
	}
	tr.record(now)
	return true
}
