package hub

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/config"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/intent"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/management"
	"github.com/lnhive/hived/internal/membership"
	"github.com/lnhive/hived/internal/metrics"
	"github.com/lnhive/hived/internal/reputation"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/transport"
	"github.com/lnhive/hived/internal/wire"
)

type hubFixture struct {
	hub     *Hub
	st      *store.Store
	members *membership.Manager
	network *transport.MemoryNetwork
	node    *lightning.MockNode
	self    hive.PeerID
}

func newHub(t *testing.T, opts func(*Options)) *hubFixture {
	t.Helper()
	ctx := context.Background()

	node := lightning.NewMockNodeFromSeed(1, "hub-node")
	signer, err := identity.NewLocal(ctx, node, time.Second, slog.Default())
	require.NoError(t, err)

	st, err := store.Open(ctx, "sqlite",
		fmt.Sprintf("file:hub_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	self := hive.PeerID(node.PubkeyHex())
	members, err := membership.NewManager(ctx, self, st, slog.Default())
	require.NoError(t, err)

	cache := reputation.NewCache(nil, st, slog.Default())
	rep := reputation.NewManager(self, signer, st, members, cache, slog.Default())
	mgmt := management.NewManager(self, signer, st, slog.Default())
	intents := intent.NewCoordinator(self, slog.Default())

	network := transport.NewMemoryNetwork()
	tr := network.Join(self)

	o := Options{
		Self:       self,
		Signer:     signer,
		Store:      st,
		Members:    members,
		Reputation: rep,
		Management: mgmt,
		Intents:    intents,
		Transport:  tr,
		Node:       node,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Governance: config.GovernanceSupervised,
		RelayTTL:   2,
	}
	if opts != nil {
		opts(&o)
	}
	return &hubFixture{
		hub:     New(o),
		st:      st,
		members: members,
		network: network,
		node:    node,
		self:    self,
	}
}

// signedEnvelope builds a correctly signed envelope from seed's node.
func signedEnvelope(t *testing.T, seed byte, kind wire.Kind, payload map[string]interface{}, ttl int) []byte {
	t.Helper()
	node := lightning.NewMockNodeFromSeed(seed, "peer")
	env := wire.NewEnvelope(kind, hive.PeerID(node.PubkeyHex()), payload)
	if ttl > 0 {
		env.WithRelay(ttl, env.Sender)
	}
	signingPayload, err := wire.EnvelopeSigningPayload(env)
	require.NoError(t, err)
	sig, err := node.SignMessage(context.Background(), string(signingPayload))
	require.NoError(t, err)
	env.Signature = sig
	raw, err := wire.Encode(env)
	require.NoError(t, err)
	return raw
}

func peerFromSeed(seed byte) hive.PeerID {
	return hive.PeerID(lightning.NewMockNodeFromSeed(seed, "").PubkeyHex())
}

func TestHelloAdmitsAndReplies(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	sender := peerFromSeed(2)
	senderTr := f.network.Join(sender)
	defer senderTr.Close()

	raw := signedEnvelope(t, 2, wire.KindHello, map[string]interface{}{
		"alias":        "peer-two",
		"capabilities": []string{"settlement"},
		"timestamp":    time.Now().Unix(),
	}, 0)
	require.NoError(t, f.hub.Inject(ctx, sender, raw))

	assert.True(t, f.members.IsMember(sender))

	select {
	case in := <-senderTr.Inbound():
		assert.Equal(t, wire.KindHello, in.Envelope.Type)
		assert.Equal(t, true, in.Envelope.Payload["reply"])
	case <-time.After(time.Second):
		t.Fatal("no hello reply")
	}
}

func TestBadSignatureDropped(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	// Payload signed by seed 2 but claiming seed 3's identity.
	node2 := lightning.NewMockNodeFromSeed(2, "")
	env := wire.NewEnvelope(wire.KindHello, peerFromSeed(3), map[string]interface{}{
		"alias":     "impostor",
		"timestamp": time.Now().Unix(),
	})
	signingPayload, err := wire.EnvelopeSigningPayload(env)
	require.NoError(t, err)
	env.Signature, err = node2.SignMessage(ctx, string(signingPayload))
	require.NoError(t, err)
	raw, err := wire.Encode(env)
	require.NoError(t, err)

	require.NoError(t, f.hub.Inject(ctx, peerFromSeed(3), raw))
	assert.False(t, f.members.IsMember(peerFromSeed(3)), "forged hello must not admit")
}

func TestDuplicateEnvelopeSuppressed(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	raw := signedEnvelope(t, 2, wire.KindHello, map[string]interface{}{
		"alias":     "peer-two",
		"timestamp": int64(1700000000), // fixed so both copies share a msg_id
	}, 0)

	require.NoError(t, f.hub.Inject(ctx, peerFromSeed(2), raw))
	before := f.members.All()

	require.NoError(t, f.hub.Inject(ctx, peerFromSeed(2), raw))
	assert.Equal(t, before, f.members.All(), "duplicate dispatch must be a no-op")
}

func TestRequiredMessagesFilter(t *testing.T) {
	f := newHub(t, func(o *Options) {
		o.RequiredMessages = []string{"gossip"}
	})
	ctx := context.Background()

	raw := signedEnvelope(t, 2, wire.KindHello, map[string]interface{}{
		"alias":     "peer-two",
		"timestamp": time.Now().Unix(),
	}, 0)
	require.NoError(t, f.hub.Inject(ctx, peerFromSeed(2), raw))
	assert.False(t, f.members.IsMember(peerFromSeed(2)), "filtered kind must not dispatch")
}

func TestGossipFromUnknownPeerRejected(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	raw := signedEnvelope(t, 2, wire.KindGossip, map[string]interface{}{
		"state_hash":    "aa",
		"capacity_sats": int64(5000),
		"timestamp":     time.Now().Unix(),
	}, 0)
	require.NoError(t, f.hub.Inject(ctx, peerFromSeed(2), raw))

	_, ok := f.members.State(peerFromSeed(2))
	assert.False(t, ok)
}

func TestFeeReportPersisted(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	sender := peerFromSeed(2)
	_, err := f.members.AdmitHello(ctx, sender)
	require.NoError(t, err)

	raw := signedEnvelope(t, 2, wire.KindFeeReport, map[string]interface{}{
		"period":               "2026-30",
		"fees_earned_sats":     int64(1234),
		"rebalance_costs_sats": int64(34),
		"capacity_sats":        int64(1_000_000),
		"forward_count":        int64(42),
		"uptime_pct":           int64(99),
		"timestamp":            time.Now().Unix(),
	}, 0)
	require.NoError(t, f.hub.Inject(ctx, sender, raw))

	rows, err := f.st.FeeReportsForPeriod(ctx, "2026-30")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1234), rows[0].FeesEarnedSats)
	assert.Equal(t, 99, rows[0].UptimePct)
}

func TestRelayFloodsToOtherMembers(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	sender := peerFromSeed(2)
	third := peerFromSeed(3)
	_, err := f.members.AdmitHello(ctx, sender)
	require.NoError(t, err)
	_, err = f.members.AdmitHello(ctx, third)
	require.NoError(t, err)

	thirdTr := f.network.Join(third)
	defer thirdTr.Close()

	raw := signedEnvelope(t, 2, wire.KindGossip, map[string]interface{}{
		"state_hash":       "feed",
		"capacity_sats":    int64(9000),
		"fees_earned_sats": int64(10),
		"timestamp":        time.Now().Unix(),
	}, 2)
	require.NoError(t, f.hub.Inject(ctx, sender, raw))

	select {
	case in := <-thirdTr.Inbound():
		assert.Equal(t, wire.KindGossip, in.Envelope.Type)
		require.NotNil(t, in.Envelope.Relay)
		assert.Equal(t, 1, in.Envelope.Relay.TTL)
		assert.Contains(t, in.Envelope.Relay.Path, f.self)
	case <-time.After(time.Second):
		t.Fatal("gossip was not relayed")
	}
}

func TestReliableEventIdempotent(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	issuerSeed := byte(2)
	issuer := peerFromSeed(issuerSeed)
	subject := peerFromSeed(3)
	_, err := f.members.AdmitHello(ctx, issuer)
	require.NoError(t, err)
	_, err = f.members.AdmitHello(ctx, subject)
	require.NoError(t, err)

	// Issue a real credential from the issuer's node so the inner signature
	// verifies.
	issuerNode := lightning.NewMockNodeFromSeed(issuerSeed, "issuer")
	metricsMap := map[string]float64{"uptime_pct": 0.99, "routing_success_rate": 0.97}
	inner, err := wire.CredentialSigningPayload(issuer, subject, "hive:node", 100, 200, metricsMap, "neutral")
	require.NoError(t, err)
	innerSig, err := issuerNode.SignMessage(ctx, string(inner))
	require.NoError(t, err)

	payload := map[string]interface{}{
		"credential_id": "cred-idem-1",
		"issuer_id":     string(issuer),
		"subject_id":    string(subject),
		"domain":        "hive:node",
		"period_start":  int64(100),
		"period_end":    int64(200),
		"metrics":       metricsMap,
		"outcome":       "neutral",
		"signature":     innerSig,
		"issued_at":     time.Now().UTC().Format(time.RFC3339),
	}
	raw := signedEnvelope(t, issuerSeed, wire.KindDIDPresent, payload, 0)

	require.NoError(t, f.hub.Inject(ctx, issuer, raw))
	got, err := f.st.GetCredential(ctx, "cred-idem-1")
	require.NoError(t, err)
	assert.Equal(t, string(subject), got.SubjectID)

	// Second copy with different relay metadata still maps to the same
	// event and is acknowledged without reprocessing.
	raw2 := signedEnvelope(t, issuerSeed, wire.KindDIDPresent, payload, 3)
	require.NoError(t, f.hub.Inject(ctx, issuer, raw2))

	creds, err := f.st.ActiveCredentials(ctx, string(subject), "hive:node")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestIntentContentionAnswersHolder(t *testing.T) {
	f := newHub(t, nil)
	ctx := context.Background()

	sender := peerFromSeed(2)
	_, err := f.members.AdmitHello(ctx, sender)
	require.NoError(t, err)
	senderTr := f.network.Join(sender)
	defer senderTr.Close()

	raw := signedEnvelope(t, 2, wire.KindIntent, map[string]interface{}{
		"request_id": "req-1",
		"kind":       "channel_open",
		"target":     "03target",
		"deadline":   time.Now().Add(10 * time.Minute).Unix(),
	}, 0)
	require.NoError(t, f.hub.Inject(ctx, sender, raw))

	select {
	case in := <-senderTr.Inbound():
		assert.Equal(t, wire.KindIntentAck, in.Envelope.Type)
		assert.Equal(t, string(sender), in.Envelope.Payload["owner_peer_id"])
	case <-time.After(time.Second):
		t.Fatal("no intent ack")
	}
}

func TestFeerateGate(t *testing.T) {
	f := newHub(t, func(o *Options) { o.FeerateGateSatVB = 20 })
	assert.True(t, f.hub.FeerateAdmitted(15))
	assert.True(t, f.hub.FeerateAdmitted(20))
	assert.False(t, f.hub.FeerateAdmitted(21))

	open := newHub(t, nil) // zero gate admits everything
	assert.True(t, open.hub.FeerateAdmitted(500))
}
