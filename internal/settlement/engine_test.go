package settlement

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
	"github.com/lnhive/hived/internal/wire"
)

type fakeMembers struct {
	members []hive.Member
	states  map[hive.PeerID]hive.PeerState
}

func (f *fakeMembers) All() []hive.Member { return f.members }
func (f *fakeMembers) State(p hive.PeerID) (hive.PeerState, bool) {
	s, ok := f.states[p]
	return s, ok
}

type recordingBroadcaster struct {
	kinds []wire.Kind
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, kind wire.Kind, _ map[string]interface{}) error {
	r.kinds = append(r.kinds, kind)
	return nil
}

type fixture struct {
	engine    *Engine
	node      *lightning.MockNode
	st        *store.Store
	members   *fakeMembers
	broadcast *recordingBroadcaster
	self      hive.PeerID
}

func newFixture(t *testing.T, peerSeeds []byte) *fixture {
	t.Helper()
	ctx := context.Background()

	node := lightning.NewMockNodeFromSeed(peerSeeds[0], "settle-node")
	signer, err := identity.NewLocal(ctx, node, time.Second, slog.Default())
	require.NoError(t, err)

	st, err := store.Open(ctx, "sqlite",
		fmt.Sprintf("file:settle_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	members := &fakeMembers{states: make(map[hive.PeerID]hive.PeerState)}
	now := time.Now()
	for _, seed := range peerSeeds {
		peer := lightning.NewMockNodeFromSeed(seed, "peer")
		members.members = append(members.members, hive.Member{
			PeerID: hive.PeerID(peer.PubkeyHex()), Tier: hive.TierMember,
			JoinedAt: now, LastSeen: now, UptimePct: 1.0, Active: true,
		})
	}

	broadcast := &recordingBroadcaster{}
	self := hive.PeerID(node.PubkeyHex())
	engine := NewEngine(self, signer, st, members, node, broadcast, ModeStandard, slog.Default())
	return &fixture{engine: engine, node: node, st: st, members: members, broadcast: broadcast, self: self}
}

func (f *fixture) report(t *testing.T, period string, peer hive.PeerID, fees, forwards int64) {
	t.Helper()
	require.NoError(t, f.st.UpsertFeeReport(context.Background(), &store.FeeReportRow{
		Period: period, PeerID: string(peer),
		FeesEarnedSats: fees, CapacitySats: 1_000_000,
		ForwardCount: forwards, UptimePct: 100, ReportedAt: time.Now(),
	}))
}

func peerID(seed byte) hive.PeerID {
	return hive.PeerID(lightning.NewMockNodeFromSeed(seed, "").PubkeyHex())
}

func signVote(t *testing.T, seed byte, proposalID, dataHash string, ts int64) VoteMsg {
	t.Helper()
	node := lightning.NewMockNodeFromSeed(seed, "voter")
	payload, err := wire.VoteSigningPayload(proposalID, hive.PeerID(node.PubkeyHex()), dataHash, ts)
	require.NoError(t, err)
	sig, err := node.SignMessage(context.Background(), string(payload))
	require.NoError(t, err)
	return VoteMsg{
		ProposalID: proposalID,
		VoterPeer:  hive.PeerID(node.PubkeyHex()),
		DataHash:   dataHash,
		Timestamp:  ts,
		Signature:  sig,
	}
}

func signExecution(t *testing.T, seed byte, proposalID, planHash string, total int64, ts int64) ExecutionMsg {
	t.Helper()
	node := lightning.NewMockNodeFromSeed(seed, "executor")
	payload, err := wire.ExecutionSigningPayload(proposalID, hive.PeerID(node.PubkeyHex()), planHash, total, ts)
	require.NoError(t, err)
	sig, err := node.SignMessage(context.Background(), string(payload))
	require.NoError(t, err)
	return ExecutionMsg{
		ProposalID: proposalID,
		Executor:   hive.PeerID(node.PubkeyHex()),
		PlanHash:   planHash,
		TotalSent:  total,
		Timestamp:  ts,
		Signature:  sig,
	}
}

func TestProposeSkipsZeroFeePeriod(t *testing.T) {
	f := newFixture(t, []byte{1, 2})
	row, err := f.engine.Propose(context.Background(), "2026-30")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestProposeRejectsSecondProposal(t *testing.T) {
	f := newFixture(t, []byte{1, 2})
	ctx := context.Background()
	f.report(t, "2026-30", f.self, 1000, 10)

	row, err := f.engine.Propose(ctx, "2026-30")
	require.NoError(t, err)
	require.NotNil(t, row)

	_, err = f.engine.Propose(ctx, "2026-30")
	require.ErrorIs(t, err, hive.ErrValidation)
}

// Five members, quorum 3: matching votes advance the proposal, a hash
// mismatch is dropped, and a duplicate vote is acknowledged idempotently.
func TestQuorumVoting(t *testing.T) {
	seeds := []byte{1, 2, 3, 4, 5}
	f := newFixture(t, seeds)
	ctx := context.Background()
	period := "2026-30"
	for _, s := range seeds {
		f.report(t, period, peerID(s), 500, 10)
	}

	row, err := f.engine.Propose(ctx, period)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, StatusPending, row.Status)

	// Proposer already voted; a second matching vote keeps it pending.
	require.NoError(t, f.engine.HandleVote(ctx, signVote(t, 2, row.ProposalID, row.DataHash, 100)))
	got, err := f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// Mismatched data_hash vote is dropped.
	bad := signVote(t, 3, row.ProposalID, "0000", 101)
	err = f.engine.HandleVote(ctx, bad)
	require.ErrorIs(t, err, hive.ErrValidation)

	// Third matching vote reaches quorum (3 of 5).
	require.NoError(t, f.engine.HandleVote(ctx, signVote(t, 3, row.ProposalID, row.DataHash, 102)))
	got, err = f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)

	// Duplicate vote from an existing voter is acknowledged, not counted.
	require.NoError(t, f.engine.HandleVote(ctx, signVote(t, 2, row.ProposalID, row.DataHash, 103)))
	n, err := f.st.CountVotes(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestHandleVoteRejectsBadSignature(t *testing.T) {
	f := newFixture(t, []byte{1, 2})
	ctx := context.Background()
	f.report(t, "2026-30", f.self, 1000, 10)
	row, err := f.engine.Propose(ctx, "2026-30")
	require.NoError(t, err)

	// Vote signed by seed 2 but claiming seed 3's identity.
	vote := signVote(t, 2, row.ProposalID, row.DataHash, 100)
	vote.VoterPeer = peerID(3)
	err = f.engine.HandleVote(ctx, vote)
	require.ErrorIs(t, err, hive.ErrSignature)
}

// readyFixture builds a two-member round where self owes the other member.
func readyFixture(t *testing.T) (*fixture, *store.ProposalRow, hive.PeerID) {
	f := newFixture(t, []byte{1, 2})
	ctx := context.Background()
	period := "2026-30"
	other := peerID(2)

	f.report(t, period, f.self, 2000, 30)
	f.report(t, period, other, 0, 0)

	row, err := f.engine.Propose(ctx, period)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NoError(t, f.engine.HandleVote(ctx, signVote(t, 2, row.ProposalID, row.DataHash, 100)))

	got, err := f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	return f, got, other
}

func TestExecuteOurSettlement(t *testing.T) {
	f, row, other := readyFixture(t)
	ctx := context.Background()

	// Self fair share: 0.3*0.5 + 0.6*1.0 + 0.1*0.5 = 0.8 of 2000 = 1600,
	// so self owes 400.
	offer, err := lightning.NewMockNodeFromSeed(2, "other").Offer(ctx, "any", "settlement")
	require.NoError(t, err)
	require.NoError(t, f.st.UpsertOffer(ctx, &store.OfferRow{
		PeerID: string(other), Bolt12: offer.Bolt12, RegisteredAt: time.Now(),
	}))

	require.NoError(t, f.engine.ExecuteOurSettlement(ctx, row.ProposalID))

	require.Len(t, f.node.Payments, 1)
	sub, err := f.st.GetSubPayment(ctx, row.ProposalID, string(f.self), string(other))
	require.NoError(t, err)
	assert.Equal(t, store.SubPaymentCompleted, sub.Status)
	assert.Equal(t, int64(400), sub.AmountSats)

	// Self was the only payer, so the round completed.
	got, err := f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	settled, err := f.st.IsPeriodSettled(ctx, row.Period)
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestExecuteAbortsWithoutReceiverOffer(t *testing.T) {
	f, row, other := readyFixture(t)
	ctx := context.Background()

	err := f.engine.ExecuteOurSettlement(ctx, row.ProposalID)
	require.ErrorIs(t, err, hive.ErrValidation)
	assert.Empty(t, f.node.Payments, "no partial payments before offers resolve")

	execs, err := f.st.ListExecutions(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Empty(t, execs, "no partial execution messages")
	_ = other
}

// Crash between payment and execution broadcast: the re-run skips the
// completed sub-payment and never pays twice.
func TestSubPaymentIdempotence(t *testing.T) {
	f, row, other := readyFixture(t)
	ctx := context.Background()

	offer, err := lightning.NewMockNodeFromSeed(2, "other").Offer(ctx, "any", "settlement")
	require.NoError(t, err)
	require.NoError(t, f.st.UpsertOffer(ctx, &store.OfferRow{
		PeerID: string(other), Bolt12: offer.Bolt12, RegisteredAt: time.Now(),
	}))

	// First run pays, then "crashes" at the signing step.
	f.node.FailSignMessage = true
	err = f.engine.ExecuteOurSettlement(ctx, row.ProposalID)
	require.ErrorIs(t, err, hive.ErrUnavailable)
	require.Len(t, f.node.Payments, 1)

	// Re-run after recovery: completed sub-payment is skipped.
	f.node.FailSignMessage = false
	require.NoError(t, f.engine.ExecuteOurSettlement(ctx, row.ProposalID))
	assert.Len(t, f.node.Payments, 1, "completed sub-payment must not be re-paid")

	got, err := f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestExecutionPlanBound(t *testing.T) {
	f, row, _ := readyFixture(t)
	ctx := context.Background()

	// plan_hash mismatch never counts toward completion.
	bad := signExecution(t, 2, row.ProposalID, "ffff", 400, 200)
	err := f.engine.HandleExecution(ctx, bad)
	require.ErrorIs(t, err, hive.ErrValidation)

	got, err := f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
}

func TestCompletionRequiresExactAmount(t *testing.T) {
	f, row, _ := readyFixture(t)
	ctx := context.Background()

	// Self owes 400; an execution claiming 399 verifies but does not
	// complete the round.
	short := signExecution(t, 1, row.ProposalID, row.PlanHash, 399, 200)
	require.NoError(t, f.engine.HandleExecution(ctx, short))

	got, err := f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)

	// Re-receiving the same execution leaves the proposal unchanged.
	require.NoError(t, f.engine.HandleExecution(ctx, short))
	got, err = f.st.GetProposal(ctx, row.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
}

func TestHandleProposeVotesOnlyOnMatch(t *testing.T) {
	f := newFixture(t, []byte{1, 2, 3})
	ctx := context.Background()
	period := "2026-30"
	for _, s := range []byte{1, 2, 3} {
		f.report(t, period, peerID(s), 500, 10)
	}

	contribs, err := f.engine.GatherContributions(ctx, period)
	require.NoError(t, err)
	dataHash := DataHash(period, contribs)
	shares := FairShares(contribs, ModeStandard)
	plan := BuildPlan(period, dataHash, shares, 1500)
	planHash, err := plan.Hash()
	require.NoError(t, err)

	msg := ProposalMsg{
		ProposalID:   period + "-" + dataHash[:16],
		Period:       period,
		ProposerPeer: peerID(2),
		DataHash:     dataHash,
		PlanHash:     planHash,
		MemberCount:  3,
	}
	require.NoError(t, f.engine.HandlePropose(ctx, msg))
	n, err := f.st.CountVotes(ctx, msg.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "own vote recorded after hash match")

	// A proposal whose hashes do not match local recomputation is dropped.
	bad := msg
	bad.ProposalID = period + "-deadbeefdeadbeef"
	bad.DataHash = "deadbeef"
	err = f.engine.HandlePropose(ctx, bad)
	require.ErrorIs(t, err, hive.ErrValidation)
}
