// Package relay implements TTL-bounded epidemic flooding with content-
// addressed deduplication. The relay is intentionally gossipy; convergence
// matters more than minimality.
package relay

import (
	"container/list"
	"sync"
	"time"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/wire"
)

const (
	// seenTTL bounds how long a msg_id suppresses re-dispatch.
	seenTTL = time.Hour
	// seenCap bounds the dedup set regardless of TTL.
	seenCap = 100_000
	// HardTTLCap is the maximum initial TTL accepted off the wire.
	HardTTLCap = 8
)

type seenEntry struct {
	msgID string
	at    time.Time
}

// Dedup is a bounded seen-set over message ids. Safe for concurrent use.
type Dedup struct {
	mu    sync.Mutex
	order *list.List // front = oldest
	index map[string]*list.Element
	now   func() time.Time
}

// NewDedup returns an empty dedup set.
func NewDedup() *Dedup {
	return &Dedup{
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Check records msgID and reports whether it was already present and still
// fresh. A single call both tests and marks, so dispatch happens exactly
// once per node.
func (d *Dedup) Check(msgID string) (seen bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if el, ok := d.index[msgID]; ok {
		if now.Sub(el.Value.(seenEntry).at) < seenTTL {
			return true
		}
		d.order.Remove(el)
		delete(d.index, msgID)
	}
	d.index[msgID] = d.order.PushBack(seenEntry{msgID: msgID, at: now})
	for d.order.Len() > seenCap {
		oldest := d.order.Front()
		delete(d.index, oldest.Value.(seenEntry).msgID)
		d.order.Remove(oldest)
	}
	return false
}

// GC drops expired entries. Called from the periodic task pool.
func (d *Dedup) GC() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	dropped := 0
	for el := d.order.Front(); el != nil; {
		entry := el.Value.(seenEntry)
		if now.Sub(entry.at) < seenTTL {
			break
		}
		next := el.Next()
		d.order.Remove(el)
		delete(d.index, entry.msgID)
		dropped++
		el = next
	}
	return dropped
}

// Len reports the current size of the seen-set.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Plan decides post-handling forwarding for env received from sender.
// It returns the target peers and the envelope to forward (ttl decremented,
// self appended to path), or nil targets when forwarding is suppressed.
func Plan(env *wire.Envelope, sender, self hive.PeerID, members []hive.PeerID) ([]hive.PeerID, *wire.Envelope) {
	meta := env.Relay
	if meta == nil || meta.TTL <= 1 {
		// Decremented ttl would be <= 0.
		return nil, nil
	}

	ttl := meta.TTL
	if ttl > HardTTLCap {
		ttl = HardTTLCap
	}

	inPath := make(map[hive.PeerID]bool, len(meta.Path)+2)
	for _, p := range meta.Path {
		inPath[p] = true
	}

	var targets []hive.PeerID
	for _, m := range members {
		if m == sender || m == self || inPath[m] {
			continue
		}
		targets = append(targets, m)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	fwd := *env
	fwdMeta := *meta
	fwdMeta.TTL = ttl - 1
	fwdMeta.Path = append(append([]hive.PeerID(nil), meta.Path...), self)
	fwd.Relay = &fwdMeta
	return targets, &fwd
}
