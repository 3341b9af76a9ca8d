package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/store"
)

type staticMembers map[hive.PeerID]bool

func (s staticMembers) IsMember(p hive.PeerID) bool { return s[p] }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite",
		fmt.Sprintf("file:rep_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testManager(t *testing.T, seed byte, members staticMembers) (*Manager, *lightning.MockNode) {
	t.Helper()
	node := lightning.NewMockNodeFromSeed(seed, "rep-node")
	signer, err := identity.NewLocal(context.Background(), node, time.Second, slog.Default())
	require.NoError(t, err)
	st := testStore(t)
	cache := NewCache(nil, st, slog.Default())
	m := NewManager(hive.PeerID(node.PubkeyHex()), signer, st, members, cache, slog.Default())
	return m, node
}

func nodeMetrics(v float64) map[string]float64 {
	return map[string]float64{"uptime_pct": v, "routing_success_rate": v}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	m, _ := testManager(t, 1, nil)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "02subject", "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)
	require.NotEmpty(t, cred.Signature)

	require.NoError(t, m.Verify(ctx, cred))

	// Tampered metrics no longer recover the issuer.
	tampered := *cred
	tampered.Metrics = nodeMetrics(1.0)
	err = m.Verify(ctx, &tampered)
	require.ErrorIs(t, err, hive.ErrSignature)
}

func TestIssueRejectsSelfAndBadInput(t *testing.T) {
	m, node := testManager(t, 2, nil)
	ctx := context.Background()

	_, err := m.Issue(ctx, hive.PeerID(node.PubkeyHex()), "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.ErrorIs(t, err, hive.ErrValidation)

	_, err = m.Issue(ctx, "02subject", "hive:bogus", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.ErrorIs(t, err, hive.ErrValidation)

	_, err = m.Issue(ctx, "02subject", "hive:node", nodeMetrics(0.9), "celebrate", IssueParams{})
	require.ErrorIs(t, err, hive.ErrValidation)

	// Missing required metric.
	_, err = m.Issue(ctx, "02subject", "hive:node",
		map[string]float64{"uptime_pct": 0.9}, OutcomeNeutral, IssueParams{})
	require.ErrorIs(t, err, hive.ErrValidation)

	// Out-of-range metric.
	_, err = m.Issue(ctx, "02subject", "hive:node", nodeMetrics(1.5), OutcomeNeutral, IssueParams{})
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestInvertedPeriodRejected(t *testing.T) {
	m, _ := testManager(t, 7, nil)
	ctx := context.Background()

	_, err := m.Issue(ctx, "02subject", "hive:node", nodeMetrics(0.9), OutcomeNeutral,
		IssueParams{PeriodStart: 2_000_000, PeriodEnd: 1_000_000})
	require.ErrorIs(t, err, hive.ErrValidation)

	// An inverted period arriving from a peer is rejected before the
	// signature is even checked.
	cred, err := m.Issue(ctx, "02subject", "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)
	inverted := *cred
	inverted.PeriodStart, inverted.PeriodEnd = inverted.PeriodEnd, inverted.PeriodStart
	err = m.Verify(ctx, &inverted)
	require.ErrorIs(t, err, hive.ErrValidation)

	// Zero-length periods are inverted too.
	flat := *cred
	flat.PeriodStart = flat.PeriodEnd
	err = m.Verify(ctx, &flat)
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestIssueFailsWhenSignerUnavailable(t *testing.T) {
	m, node := testManager(t, 3, nil)
	node.FailSignMessage = true

	_, err := m.Issue(context.Background(), "02subject", "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.ErrorIs(t, err, hive.ErrUnavailable)
}

func TestRevokeOnlyByIssuer(t *testing.T) {
	m, _ := testManager(t, 4, nil)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "02subject", "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)

	sig, err := m.Revoke(ctx, cred.CredentialID, "metrics stale")
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	// Revoked credentials no longer verify or aggregate.
	stored, err := m.st.GetCredential(ctx, cred.CredentialID)
	require.NoError(t, err)
	require.NotNil(t, stored.RevokedAt)

	agg, err := m.Aggregate(ctx, "02subject", "hive:node")
	require.NoError(t, err)
	assert.Equal(t, 0, agg.CredentialCount)
}

func TestAcceptRevocationRejectsNonIssuer(t *testing.T) {
	m, _ := testManager(t, 5, nil)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "02subject", "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)

	stranger := lightning.NewMockNodeFromSeed(6, "stranger")
	sig, err := stranger.SignMessage(ctx, "whatever")
	require.NoError(t, err)

	err = m.AcceptRevocation(ctx, cred.CredentialID, "hostile", sig, hive.PeerID(stranger.PubkeyHex()))
	require.ErrorIs(t, err, hive.ErrAuthorization)
}

// Three issuers, recent credentials with two evidence refs each: score >= 80,
// tier trusted, confidence medium.
func TestAggregationThreeIssuers(t *testing.T) {
	subjectMgr, _ := testManager(t, 10, nil)
	ctx := context.Background()
	subject := hive.PeerID("02subjectx")

	values := []float64{0.9, 0.85, 0.92}
	for i, v := range values {
		issuerNode := lightning.NewMockNodeFromSeed(byte(20+i), "issuer")
		signer, err := identity.NewLocal(ctx, issuerNode, time.Second, slog.Default())
		require.NoError(t, err)
		issuer := NewManager(hive.PeerID(issuerNode.PubkeyHex()), signer, subjectMgr.st, nil, subjectMgr.cache, slog.Default())

		cred, err := issuer.Issue(ctx, subject, "hive:node", nodeMetrics(v), OutcomeNeutral,
			IssueParams{Evidence: []string{"fwd-log", "probe-log"}})
		require.NoError(t, err)
		require.NoError(t, subjectMgr.Verify(ctx, cred))
	}

	agg, err := subjectMgr.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, agg.Score, 80)
	assert.Equal(t, TierTrusted, agg.Tier)
	assert.Equal(t, ConfidenceMedium, agg.Confidence)
	assert.Equal(t, 3, agg.CredentialCount)
	assert.Equal(t, 3, agg.IssuerCount)
}

// Adding a credential scoring at or above the aggregate never lowers it.
func TestAggregationMonotonicity(t *testing.T) {
	m, _ := testManager(t, 30, nil)
	ctx := context.Background()
	subject := hive.PeerID("02mono")

	_, err := m.Issue(ctx, subject, "hive:node", nodeMetrics(0.6), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)
	before, err := m.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)

	issuer2 := lightning.NewMockNodeFromSeed(31, "issuer2")
	signer2, err := identity.NewLocal(ctx, issuer2, time.Second, slog.Default())
	require.NoError(t, err)
	m2 := NewManager(hive.PeerID(issuer2.PubkeyHex()), signer2, m.st, nil, m.cache, slog.Default())
	_, err = m2.Issue(ctx, subject, "hive:node", nodeMetrics(0.95), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)

	after, err := m.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.Score, before.Score)
}

func TestIssuerWeightUsesMembership(t *testing.T) {
	members := staticMembers{}
	m, node := testManager(t, 40, members)
	ctx := context.Background()
	subject := hive.PeerID("02weighted")

	// Low score from a non-member issuer.
	outside := lightning.NewMockNodeFromSeed(41, "outside")
	outsideSigner, err := identity.NewLocal(ctx, outside, time.Second, slog.Default())
	require.NoError(t, err)
	om := NewManager(hive.PeerID(outside.PubkeyHex()), outsideSigner, m.st, members, m.cache, slog.Default())
	_, err = om.Issue(ctx, subject, "hive:node", nodeMetrics(0.2), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)

	// High score from this node, first as a non-member then as a member.
	_, err = m.Issue(ctx, subject, "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)

	unweighted, err := m.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)

	members[hive.PeerID(node.PubkeyHex())] = true
	m.cache.Invalidate(ctx, subject, "hive:node")
	weighted, err := m.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)

	assert.Greater(t, weighted.Score, unweighted.Score,
		"member issuer weight must pull the aggregate toward its credential")
}

func TestOutcomeModifiers(t *testing.T) {
	now := time.Now()
	base := &Credential{Domain: "hive:node", Metrics: nodeMetrics(0.8), Outcome: OutcomeNeutral, IssuedAt: now}
	neutral := credentialScore(base)

	renew := *base
	renew.Outcome = OutcomeRenew
	assert.InDelta(t, neutral*1.1, credentialScore(&renew), 1e-9)

	revoked := *base
	revoked.Outcome = OutcomeRevoke
	assert.InDelta(t, neutral*0.7, credentialScore(&revoked), 1e-9)

	// Renew is capped at 100.
	high := &Credential{Domain: "hive:node", Metrics: nodeMetrics(1.0), Outcome: OutcomeRenew, IssuedAt: now}
	assert.Equal(t, 100.0, credentialScore(high))
}

func TestCacheInvalidationOnIssue(t *testing.T) {
	m, _ := testManager(t, 50, nil)
	ctx := context.Background()
	subject := hive.PeerID("02cached")

	empty, err := m.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.CredentialCount)

	_, err = m.Issue(ctx, subject, "hive:node", nodeMetrics(0.9), OutcomeNeutral, IssueParams{})
	require.NoError(t, err)

	fresh, err := m.Aggregate(ctx, subject, "hive:node")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.CredentialCount, "issue must invalidate the cached aggregate")
}
