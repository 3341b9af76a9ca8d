// Package membership tracks hive members: HELLO admission, liveness, the
// in-memory peer state cache, and the compact state-hash gossip used to
// detect fee/forward divergence between peers.
package membership

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/store"
)

const (
	// inactiveAfter marks a member inactive once it has been silent this
	// long. Inactive members are kept, never evicted here.
	inactiveAfter = 30 * time.Minute
	// uptimeAlpha is the EWMA smoothing factor applied per liveness sweep.
	uptimeAlpha = 0.1
)

// Manager owns the member table and peer state snapshots.
type Manager struct {
	mu      sync.RWMutex
	self    hive.PeerID
	members map[hive.PeerID]*hive.Member
	states  map[hive.PeerID]*hive.PeerState

	st     *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager builds a Manager and loads persisted members.
func NewManager(ctx context.Context, self hive.PeerID, st *store.Store, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		self:    self,
		members: make(map[hive.PeerID]*hive.Member),
		states:  make(map[hive.PeerID]*hive.PeerState),
		st:      st,
		logger:  logger.With("component", "membership"),
		now:     time.Now,
	}
	if st != nil {
		rows, err := st.ListMembers(ctx)
		if err != nil {
			return nil, fmt.Errorf("load members: %w", err)
		}
		for _, r := range rows {
			m.members[hive.PeerID(r.PeerID)] = &hive.Member{
				PeerID:    hive.PeerID(r.PeerID),
				Tier:      hive.MemberTier(r.Tier),
				JoinedAt:  r.JoinedAt,
				LastSeen:  r.LastSeen,
				UptimePct: r.UptimePct,
				Active:    r.Active,
			}
		}
	}
	return m, nil
}

// AdmitHello creates or refreshes a member on a verified HELLO.
func (m *Manager) AdmitHello(ctx context.Context, peer hive.PeerID) (*hive.Member, error) {
	if peer == m.self {
		return nil, hive.Validationf("cannot admit self")
	}

	m.mu.Lock()
	now := m.now()
	member, ok := m.members[peer]
	if !ok {
		member = &hive.Member{
			PeerID:    peer,
			Tier:      hive.TierNeophyte,
			JoinedAt:  now,
			UptimePct: 1.0,
		}
		m.members[peer] = member
		m.logger.Info("member admitted", "peer", peer.Short())
	}
	member.LastSeen = now
	member.Active = true
	snapshot := *member
	m.mu.Unlock()

	if err := m.persist(ctx, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Touch refreshes last_seen for a known member. Unknown peers are ignored;
// admission only happens through HELLO.
func (m *Manager) Touch(peer hive.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if member, ok := m.members[peer]; ok {
		member.LastSeen = m.now()
		member.Active = true
	}
}

// Get returns a copy of the member record, if known.
func (m *Manager) Get(peer hive.PeerID) (hive.Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[peer]
	if !ok {
		return hive.Member{}, false
	}
	return *member, true
}

// IsMember reports whether peer has been admitted.
func (m *Manager) IsMember(peer hive.PeerID) bool {
	_, ok := m.Get(peer)
	return ok
}

// SetTier updates a member's tier (driven by credential acceptance).
func (m *Manager) SetTier(ctx context.Context, peer hive.PeerID, tier hive.MemberTier) error {
	m.mu.Lock()
	member, ok := m.members[peer]
	if !ok {
		m.mu.Unlock()
		return hive.Validationf("unknown member %s", peer)
	}
	member.Tier = tier
	snapshot := *member
	m.mu.Unlock()
	return m.persist(ctx, &snapshot)
}

// Peers returns the active member ids sorted ascending — the relay fan-out
// set and the settlement member count both derive from this.
func (m *Manager) Peers() []hive.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]hive.PeerID, 0, len(m.members))
	for id, member := range m.members {
		if member.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// All returns copies of every member record, active or not.
func (m *Manager) All() []hive.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]hive.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out
}

// LivenessSweep marks silent members inactive and folds the observation
// into uptime_pct. Returns the number of members that changed state.
func (m *Manager) LivenessSweep(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var changed []hive.Member
	for _, member := range m.members {
		alive := now.Sub(member.LastSeen) < inactiveAfter
		sample := 0.0
		if alive {
			sample = 1.0
		}
		member.UptimePct = (1-uptimeAlpha)*member.UptimePct + uptimeAlpha*sample
		if member.Active != alive {
			member.Active = alive
			changed = append(changed, *member)
		}
	}
	all := make([]hive.Member, 0, len(m.members))
	for _, member := range m.members {
		all = append(all, *member)
	}
	m.mu.Unlock()

	for i := range all {
		if err := m.persist(ctx, &all[i]); err != nil {
			m.logger.Warn("persist member failed", "peer", all[i].PeerID.Short(), "error", err)
		}
	}
	for _, c := range changed {
		m.logger.Info("member liveness changed", "peer", c.PeerID.Short(), "active", c.Active)
	}
	return len(changed)
}

func (m *Manager) persist(ctx context.Context, member *hive.Member) error {
	if m.st == nil {
		return nil
	}
	return m.st.UpsertMember(ctx, &store.MemberRow{
		PeerID:    string(member.PeerID),
		Tier:      string(member.Tier),
		JoinedAt:  member.JoinedAt,
		LastSeen:  member.LastSeen,
		UptimePct: member.UptimePct,
		Active:    member.Active,
	})
}

// ============================================================================
// PEER STATE SNAPSHOTS
// ============================================================================

// UpdateState replaces the in-memory snapshot for peer. Snapshots are a
// best-effort cache; the persisted fee-report stream stays authoritative.
func (m *Manager) UpdateState(peer hive.PeerID, state hive.PeerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.LastSnapshotTS = m.now()
	m.states[peer] = &state
}

// State returns a copy of the cached snapshot for peer.
func (m *Manager) State(peer hive.PeerID) (hive.PeerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[peer]
	if !ok {
		return hive.PeerState{}, false
	}
	return *s, true
}

// StateHash fingerprints the local counters. Peers gossip this hash and
// request full fee reports only when hashes diverge.
func StateHash(state hive.PeerState) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d|%d",
		state.CapacitySats, state.ForwardCount, state.FeesEarnedSats, state.RebalanceCosts)))
	return hex.EncodeToString(sum[:])
}

// Diverged reports whether a gossiped hash disagrees with the cached
// snapshot for peer. An unknown peer always counts as diverged so the full
// report gets requested.
func (m *Manager) Diverged(peer hive.PeerID, gossipedHash string) bool {
	state, ok := m.State(peer)
	if !ok {
		return true
	}
	return StateHash(state) != gossipedHash
}
