// Package intent coordinates scarce actions across the hive. Before starting
// one (opening a channel to a specific target, say), a node broadcasts an
// INTENT; contenders for the same (kind, target) resolve deterministically —
// the numerically smallest pubkey wins and losers back off until the
// deadline.
package intent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnhive/hived/internal/hive"
)

// DefaultDeadline bounds how long a lock is held without renewal.
const DefaultDeadline = 10 * time.Minute

// Intent is one announced claim on a (kind, target) pair.
type Intent struct {
	RequestID string      `json:"request_id"`
	Kind      string      `json:"kind"`
	Target    string      `json:"target"`
	Owner     hive.PeerID `json:"owner_peer_id"`
	Deadline  time.Time   `json:"deadline"`
}

type lockKey struct {
	kind   string
	target string
}

// Coordinator tracks the current winner per (kind, target).
type Coordinator struct {
	mu    sync.Mutex
	self  hive.PeerID
	locks map[lockKey]Intent
	log   *slog.Logger
	now   func() time.Time
}

// NewCoordinator builds an empty Coordinator.
func NewCoordinator(self hive.PeerID, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		self:  self,
		locks: make(map[lockKey]Intent),
		log:   log.With("component", "intent"),
		now:   time.Now,
	}
}

// Enqueue registers a local intent and returns it for broadcast, plus
// whether this node currently holds the lock. A standing lock by a smaller
// pubkey is respected immediately; the local intent is still returned so
// peers learn this node wanted the resource.
func (c *Coordinator) Enqueue(kind, target string, deadline time.Time) (Intent, bool) {
	if deadline.IsZero() {
		deadline = c.now().Add(DefaultDeadline)
	}
	in := Intent{
		RequestID: uuid.NewString(),
		Kind:      kind,
		Target:    target,
		Owner:     c.self,
		Deadline:  deadline,
	}
	won := c.contend(in)
	return in, won
}

// Handle processes an incoming INTENT from a peer and reports whether this
// node still holds (or now holds) the lock.
func (c *Coordinator) Handle(in Intent) (selfHolds bool) {
	if in.Kind == "" || in.Target == "" || in.Owner == "" {
		return false
	}
	c.contend(in)
	return c.Holder(in.Kind, in.Target) == c.self
}

// contend installs in as the lock holder unless a live lock by a smaller
// pubkey already stands. Returns true when in's owner holds the lock after
// the call.
func (c *Coordinator) contend(in Intent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := lockKey{kind: in.Kind, target: in.Target}
	now := c.now()

	cur, ok := c.locks[key]
	if ok && cur.Deadline.After(now) {
		if cur.Owner == in.Owner {
			// Renewal by the standing owner.
			c.locks[key] = in
			return true
		}
		if cur.Owner.Less(in.Owner) {
			return false // standing owner wins
		}
		c.log.Debug("intent lock preempted",
			"kind", in.Kind, "target", in.Target,
			"loser", cur.Owner.Short(), "winner", in.Owner.Short())
	}
	c.locks[key] = in
	return true
}

// Holder returns the current live lock holder for (kind, target), or "".
func (c *Coordinator) Holder(kind, target string) hive.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.locks[lockKey{kind: kind, target: target}]
	if !ok || !cur.Deadline.After(c.now()) {
		return ""
	}
	return cur.Owner
}

// MayProceed reports whether this node may start the scarce action: it must
// hold the live lock, or no one does.
func (c *Coordinator) MayProceed(kind, target string) bool {
	holder := c.Holder(kind, target)
	return holder == "" || holder == c.self
}

// Expire drops locks past their deadline. Returns the number removed.
func (c *Coordinator) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, in := range c.locks {
		if !in.Deadline.After(now) {
			delete(c.locks, key)
			removed++
		}
	}
	return removed
}

// Locks returns copies of all live locks.
func (c *Coordinator) Locks() []Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]Intent, 0, len(c.locks))
	for _, in := range c.locks {
		if in.Deadline.After(now) {
			out = append(out, in)
		}
	}
	return out
}
