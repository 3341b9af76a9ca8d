package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/wire"
)

func TestDedupCheckMarksAndSuppresses(t *testing.T) {
	d := NewDedup()
	assert.False(t, d.Check("m1"))
	assert.True(t, d.Check("m1"))
	assert.False(t, d.Check("m2"))
}

func TestDedupEntryExpires(t *testing.T) {
	d := NewDedup()
	now := time.Now()
	d.now = func() time.Time { return now }

	assert.False(t, d.Check("m1"))
	now = now.Add(seenTTL + time.Minute)
	assert.False(t, d.Check("m1"), "expired entry must not suppress")
	assert.True(t, d.Check("m1"))
}

func TestDedupGC(t *testing.T) {
	d := NewDedup()
	now := time.Now()
	d.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		d.Check(fmt.Sprintf("old-%d", i))
	}
	now = now.Add(30 * time.Minute)
	d.Check("fresh")
	now = now.Add(40 * time.Minute)

	dropped := d.GC()
	assert.Equal(t, 10, dropped)
	assert.Equal(t, 1, d.Len())
}

func TestDedupCapBound(t *testing.T) {
	d := NewDedup()
	for i := 0; i < seenCap+50; i++ {
		d.Check(fmt.Sprintf("m-%d", i))
	}
	assert.Equal(t, seenCap, d.Len())
	// The oldest entries were evicted, so they read as unseen again.
	assert.False(t, d.Check("m-0"))
}

func floodEnvelope(ttl int, path ...hive.PeerID) *wire.Envelope {
	env := wire.NewEnvelope(wire.KindGossip, "02origin", map[string]interface{}{"state_hash": "x"})
	env.WithRelay(ttl, "02origin")
	env.Relay.Path = path
	return env
}

func TestPlanExcludesSenderSelfAndPath(t *testing.T) {
	members := []hive.PeerID{"02aa", "02bb", "02cc", "02dd", "02ee"}
	env := floodEnvelope(3, "02cc")

	targets, fwd := Plan(env, "02aa", "02bb", members)
	require.NotNil(t, fwd)
	assert.Equal(t, []hive.PeerID{"02dd", "02ee"}, targets)
	assert.Equal(t, 2, fwd.Relay.TTL)
	assert.Equal(t, []hive.PeerID{"02cc", "02bb"}, fwd.Relay.Path)

	// The original envelope is untouched.
	assert.Equal(t, 3, env.Relay.TTL)
	assert.Equal(t, []hive.PeerID{"02cc"}, env.Relay.Path)
}

func TestPlanSuppressesAtTTLOne(t *testing.T) {
	members := []hive.PeerID{"02aa", "02bb", "02cc"}
	targets, fwd := Plan(floodEnvelope(1), "02aa", "02bb", members)
	assert.Nil(t, targets)
	assert.Nil(t, fwd)
}

func TestPlanSuppressesWithoutRelayMeta(t *testing.T) {
	env := wire.NewEnvelope(wire.KindGossip, "02aa", map[string]interface{}{})
	targets, fwd := Plan(env, "02aa", "02bb", []hive.PeerID{"02cc"})
	assert.Nil(t, targets)
	assert.Nil(t, fwd)
}

func TestPlanClampsOversizedTTL(t *testing.T) {
	members := []hive.PeerID{"02aa", "02bb", "02cc"}
	targets, fwd := Plan(floodEnvelope(200), "02aa", "02bb", members)
	require.NotNil(t, fwd)
	assert.Equal(t, []hive.PeerID{"02cc"}, targets)
	assert.Equal(t, HardTTLCap-1, fwd.Relay.TTL)
}

func TestPlanNoTargets(t *testing.T) {
	targets, fwd := Plan(floodEnvelope(3), "02aa", "02bb", []hive.PeerID{"02aa", "02bb"})
	assert.Nil(t, targets)
	assert.Nil(t, fwd)
}
