package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/wire"
)

// MemoryNetwork connects in-process Memory transports for tests. Envelopes
// are round-tripped through the codec so tests exercise the same decode path
// as the WebSocket wire.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[hive.PeerID]*Memory
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[hive.PeerID]*Memory)}
}

// Join registers a node and returns its transport.
func (n *MemoryNetwork) Join(self hive.PeerID) *Memory {
	m := &Memory{
		self:    self,
		net:     n,
		inbound: make(chan Inbound, inboundCap),
	}
	n.mu.Lock()
	n.nodes[self] = m
	n.mu.Unlock()
	return m
}

// Memory is the in-process Transport implementation.
type Memory struct {
	self    hive.PeerID
	net     *MemoryNetwork
	inbound chan Inbound

	mu     sync.Mutex
	closed bool
	// Dropped counts envelopes lost to a full inbound queue.
	Dropped int
}

// Send implements Transport.
func (m *Memory) Send(peer hive.PeerID, env *wire.Envelope) error {
	m.net.mu.RLock()
	target, ok := m.net.nodes[peer]
	m.net.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected: %w", peer.Short(), hive.ErrUnavailable)
	}

	data, err := wire.EncodeBinary(env)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(data)
	if err != nil {
		return err
	}

	target.mu.Lock()
	closed := target.closed
	target.mu.Unlock()
	if closed {
		return fmt.Errorf("peer %s closed: %w", peer.Short(), hive.ErrUnavailable)
	}

	select {
	case target.inbound <- Inbound{From: m.self, Envelope: decoded}:
		return nil
	default:
		m.mu.Lock()
		m.Dropped++
		m.mu.Unlock()
		return fmt.Errorf("inbound queue full for %s: %w", peer.Short(), hive.ErrUnavailable)
	}
}

// Peers implements Transport: every other node on the network.
func (m *Memory) Peers() []hive.PeerID {
	m.net.mu.RLock()
	defer m.net.mu.RUnlock()
	out := make([]hive.PeerID, 0, len(m.net.nodes)-1)
	for p := range m.net.nodes {
		if p != m.self {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Inbound implements Transport.
func (m *Memory) Inbound() <-chan Inbound { return m.inbound }

// Close implements Transport.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.net.mu.Lock()
	delete(m.net.nodes, m.self)
	m.net.mu.Unlock()
	return nil
}

var _ Transport = (*Memory)(nil)
