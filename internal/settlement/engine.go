package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/wire"
)

// Proposal statuses.
const (
	StatusPending   = "pending"
	StatusReady     = "ready"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// MemberSource provides the member set and the in-memory state fallback.
type MemberSource interface {
	All() []hive.Member
	State(hive.PeerID) (hive.PeerState, bool)
}

// Broadcaster floods a payload to the hive.
type Broadcaster interface {
	Broadcast(ctx context.Context, kind wire.Kind, payload map[string]interface{}) error
}

// Engine drives the settlement state machine.
type Engine struct {
	self      hive.PeerID
	signer    identity.Signer
	st        *store.Store
	members   MemberSource
	rpc       lightning.RPC
	broadcast Broadcaster
	mode      Mode
	log       *slog.Logger
	now       func() time.Time
}

// NewEngine wires the settlement subsystem.
func NewEngine(self hive.PeerID, signer identity.Signer, st *store.Store, members MemberSource, rpc lightning.RPC, broadcast Broadcaster, mode Mode, log *slog.Logger) *Engine {
	if mode == "" {
		mode = ModeStandard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		self:      self,
		signer:    signer,
		st:        st,
		members:   members,
		rpc:       rpc,
		broadcast: broadcast,
		mode:      mode,
		log:       log.With("component", "settlement"),
		now:       time.Now,
	}
}

// GatherContributions builds the canonical snapshot for period: persisted
// fee reports preferred, in-memory peer state as fallback, sorted by
// peer_id.
func (e *Engine) GatherContributions(ctx context.Context, period string) ([]Contribution, error) {
	reports, err := e.st.FeeReportsForPeriod(ctx, period)
	if err != nil {
		return nil, err
	}
	reported := make(map[hive.PeerID]store.FeeReportRow, len(reports))
	for _, r := range reports {
		reported[hive.PeerID(r.PeerID)] = r
	}

	var contribs []Contribution
	for _, m := range e.members.All() {
		if r, ok := reported[m.PeerID]; ok {
			contribs = append(contribs, Contribution{
				PeerID:             m.PeerID,
				FeesEarnedSats:     r.FeesEarnedSats,
				RebalanceCostsSats: r.RebalanceCostsSats,
				CapacitySats:       r.CapacitySats,
				UptimePct:          r.UptimePct,
				ForwardCount:       r.ForwardCount,
				ReputationTier:     string(m.Tier),
			})
			continue
		}
		if s, ok := e.members.State(m.PeerID); ok {
			contribs = append(contribs, Contribution{
				PeerID:             m.PeerID,
				FeesEarnedSats:     s.FeesEarnedSats,
				RebalanceCostsSats: s.RebalanceCosts,
				CapacitySats:       s.CapacitySats,
				UptimePct:          int(m.UptimePct * 100),
				ForwardCount:       s.ForwardCount,
				ReputationTier:     string(m.Tier),
				NetworkPosition:    s.NetworkPosition,
			})
		}
	}
	sort.Slice(contribs, func(i, j int) bool { return contribs[i].PeerID.Less(contribs[j].PeerID) })
	return contribs, nil
}

// compute derives the full round from a snapshot.
func compute(period string, contribs []Contribution, mode Mode) (dataHash string, plan *Plan, planHash string, totalFees int64, err error) {
	for _, c := range contribs {
		totalFees += c.FeesEarnedSats
	}
	dataHash = DataHash(period, contribs)
	shares := FairShares(contribs, mode)
	plan = BuildPlan(period, dataHash, shares, totalFees)
	planHash, err = plan.Hash()
	return dataHash, plan, planHash, totalFees, err
}

// proposalID is deterministic so simultaneous proposers converge on one id.
func proposalID(period, dataHash string) string {
	return period + "-" + dataHash[:16]
}

// Propose starts a settlement round for period. Zero-fee periods are
// skipped with a nil proposal.
func (e *Engine) Propose(ctx context.Context, period string) (*store.ProposalRow, error) {
	settled, err := e.st.IsPeriodSettled(ctx, period)
	if err != nil {
		return nil, err
	}
	if settled {
		return nil, hive.Validationf("period %s already settled", period)
	}
	if _, err := e.st.GetProposalByPeriod(ctx, period); err == nil {
		return nil, hive.Validationf("period %s already has a proposal", period)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	contribs, err := e.GatherContributions(ctx, period)
	if err != nil {
		return nil, err
	}
	dataHash, plan, planHash, totalFees, err := compute(period, contribs, e.mode)
	if err != nil {
		return nil, err
	}
	if totalFees == 0 {
		e.log.Info("skipping zero-fee period", "period", period)
		return nil, nil
	}

	contribJSON, err := json.Marshal(contribs)
	if err != nil {
		return nil, err
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	row := &store.ProposalRow{
		ProposalID:        proposalID(period, dataHash),
		Period:            period,
		ProposerPeerID:    string(e.self),
		DataHash:          dataHash,
		PlanHash:          planHash,
		TotalFeesSats:     totalFees,
		MemberCount:       len(contribs),
		ContributionsJSON: string(contribJSON),
		PlanJSON:          string(planJSON),
		Status:            StatusPending,
		CreatedAt:         e.now(),
	}
	if err := e.st.InsertProposal(ctx, row); err != nil {
		return nil, err
	}
	e.log.Info("settlement proposed",
		"period", period, "proposal", row.ProposalID,
		"total_fees", totalFees, "payments", len(plan.Payments))

	if e.broadcast != nil {
		if err := e.broadcast.Broadcast(ctx, wire.KindSettlementPropose, e.proposePayload(row)); err != nil {
			e.log.Warn("propose broadcast failed", "error", err)
		}
	}

	// The proposer votes for its own proposal.
	if err := e.voteFor(ctx, row); err != nil {
		e.log.Warn("self-vote failed", "proposal", row.ProposalID, "error", err)
	}
	return row, nil
}

func (e *Engine) proposePayload(row *store.ProposalRow) map[string]interface{} {
	var contribs []map[string]interface{}
	json.Unmarshal([]byte(row.ContributionsJSON), &contribs)
	return map[string]interface{}{
		"proposal_id":      row.ProposalID,
		"period":           row.Period,
		"proposer_peer_id": row.ProposerPeerID,
		"data_hash":        row.DataHash,
		"plan_hash":        row.PlanHash,
		"total_fees_sats":  row.TotalFeesSats,
		"member_count":     row.MemberCount,
		"contributions":    contribs,
	}
}

// ProposalMsg is the decoded SETTLEMENT_PROPOSE payload.
type ProposalMsg struct {
	ProposalID    string      `json:"proposal_id"`
	Period        string      `json:"period"`
	ProposerPeer  hive.PeerID `json:"proposer_peer_id"`
	DataHash      string      `json:"data_hash"`
	PlanHash      string      `json:"plan_hash"`
	TotalFeesSats int64       `json:"total_fees_sats"`
	MemberCount   int         `json:"member_count"`
}

// HandlePropose independently recomputes the round for the proposal's
// period and votes only when both hashes match.
func (e *Engine) HandlePropose(ctx context.Context, msg ProposalMsg) error {
	settled, err := e.st.IsPeriodSettled(ctx, msg.Period)
	if err != nil {
		return err
	}
	if settled {
		return hive.Validationf("period %s already settled", msg.Period)
	}

	contribs, err := e.GatherContributions(ctx, msg.Period)
	if err != nil {
		return err
	}
	dataHash, plan, planHash, totalFees, err := compute(msg.Period, contribs, e.mode)
	if err != nil {
		return err
	}
	if dataHash != msg.DataHash || planHash != msg.PlanHash {
		e.log.Warn("proposal hash mismatch, not voting",
			"proposal", msg.ProposalID, "period", msg.Period,
			"data_match", dataHash == msg.DataHash, "plan_match", planHash == msg.PlanHash)
		return hive.Validationf("hash mismatch for proposal %s", msg.ProposalID)
	}

	contribJSON, _ := json.Marshal(contribs)
	planJSON, _ := json.Marshal(plan)
	row := &store.ProposalRow{
		ProposalID:        msg.ProposalID,
		Period:            msg.Period,
		ProposerPeerID:    string(msg.ProposerPeer),
		DataHash:          dataHash,
		PlanHash:          planHash,
		TotalFeesSats:     totalFees,
		MemberCount:       msg.MemberCount,
		ContributionsJSON: string(contribJSON),
		PlanJSON:          string(planJSON),
		Status:            StatusPending,
		CreatedAt:         e.now(),
	}
	if err := e.st.InsertProposal(ctx, row); err != nil && !errors.Is(err, hive.ErrValidation) {
		return err
	}
	return e.voteFor(ctx, row)
}

// voteFor signs and records this node's vote, then broadcasts it.
func (e *Engine) voteFor(ctx context.Context, row *store.ProposalRow) error {
	ts := e.now().Unix()
	payload, err := wire.VoteSigningPayload(row.ProposalID, e.self, row.DataHash, ts)
	if err != nil {
		return err
	}
	sig, err := e.signer.Sign(ctx, payload)
	if err != nil {
		return err
	}
	if sig == "" {
		return fmt.Errorf("signing adapter returned empty signature: %w", hive.ErrUnavailable)
	}

	vote := VoteMsg{
		ProposalID: row.ProposalID,
		VoterPeer:  e.self,
		DataHash:   row.DataHash,
		Timestamp:  ts,
		Signature:  sig,
	}
	if err := e.recordVote(ctx, vote); err != nil {
		return err
	}
	if e.broadcast != nil {
		if err := e.broadcast.Broadcast(ctx, wire.KindSettlementReady, map[string]interface{}{
			"proposal_id":   vote.ProposalID,
			"voter_peer_id": string(vote.VoterPeer),
			"data_hash":     vote.DataHash,
			"timestamp":     vote.Timestamp,
			"signature":     vote.Signature,
		}); err != nil {
			e.log.Warn("vote broadcast failed", "error", err)
		}
	}
	return nil
}

// VoteMsg is the decoded SETTLEMENT_READY payload.
type VoteMsg struct {
	ProposalID string      `json:"proposal_id"`
	VoterPeer  hive.PeerID `json:"voter_peer_id"`
	DataHash   string      `json:"data_hash"`
	Timestamp  int64       `json:"timestamp"`
	Signature  string      `json:"signature"`
}

// HandleVote verifies and records a peer's vote, advancing the proposal to
// ready when quorum is reached.
func (e *Engine) HandleVote(ctx context.Context, vote VoteMsg) error {
	payload, err := wire.VoteSigningPayload(vote.ProposalID, vote.VoterPeer, vote.DataHash, vote.Timestamp)
	if err != nil {
		return err
	}
	ok, err := e.signer.Verify(ctx, payload, vote.Signature, vote.VoterPeer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vote signature does not recover voter: %w", hive.ErrSignature)
	}
	return e.recordVote(ctx, vote)
}

func (e *Engine) recordVote(ctx context.Context, vote VoteMsg) error {
	row, err := e.st.GetProposal(ctx, vote.ProposalID)
	if err != nil {
		return hive.Validationf("vote for unknown proposal %s", vote.ProposalID)
	}
	if vote.DataHash != row.DataHash {
		return hive.Validationf("vote data_hash mismatch on %s", vote.ProposalID)
	}

	inserted, err := e.st.InsertVote(ctx, &store.VoteRow{
		ProposalID:  vote.ProposalID,
		VoterPeerID: string(vote.VoterPeer),
		DataHash:    vote.DataHash,
		Signature:   vote.Signature,
		VotedAt:     time.Unix(vote.Timestamp, 0).UTC(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		// Duplicate vote: acknowledged, not counted twice.
		return nil
	}

	count, err := e.st.CountVotes(ctx, vote.ProposalID)
	if err != nil {
		return err
	}
	quorum := row.MemberCount/2 + 1
	if count >= quorum && row.Status == StatusPending {
		if err := e.st.UpdateProposalStatus(ctx, vote.ProposalID, StatusReady); err != nil {
			return err
		}
		e.log.Info("settlement quorum reached",
			"proposal", vote.ProposalID, "votes", count, "quorum", quorum)
	}
	return nil
}

// ============================================================================
// EXECUTION
// ============================================================================

// ExecuteOurSettlement performs this node's outgoing transfers under a
// ready proposal. It is crash-safe: completed sub-payments are skipped on
// re-run. A missing receiver offer aborts the whole execution with no
// partial execution message.
func (e *Engine) ExecuteOurSettlement(ctx context.Context, proposalIDStr string) error {
	row, err := e.st.GetProposal(ctx, proposalIDStr)
	if err != nil {
		return hive.Validationf("unknown proposal %s", proposalIDStr)
	}
	if row.Status != StatusReady {
		return hive.Validationf("proposal %s not ready (status %s)", proposalIDStr, row.Status)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(row.PlanJSON), &plan); err != nil {
		return fmt.Errorf("corrupt stored plan for %s: %w", proposalIDStr, hive.ErrFatal)
	}
	// Refuse to pay unless the locally recomputable hash matches.
	planHash, err := plan.Hash()
	if err != nil {
		return err
	}
	if planHash != row.PlanHash {
		return fmt.Errorf("stored plan hash mismatch on %s: %w", proposalIDStr, hive.ErrFatal)
	}

	expected := plan.ExpectedSent(e.self)
	if expected == 0 {
		return nil // nothing to pay
	}

	// Resolve every receiver offer before paying anything.
	type transfer struct {
		pay   Payment
		offer string
	}
	var transfers []transfer
	for _, pay := range plan.Payments {
		if pay.From != e.self {
			continue
		}
		offer, err := e.st.GetOffer(ctx, string(pay.To))
		if err != nil {
			return err
		}
		if offer == "" {
			return fmt.Errorf("receiver %s has no registered offer: %w", pay.To.Short(), hive.ErrValidation)
		}
		transfers = append(transfers, transfer{pay: pay, offer: offer})
	}

	var totalSent int64
	for _, t := range transfers {
		sent, err := e.paySub(ctx, proposalIDStr, t.pay, t.offer)
		if err != nil {
			return fmt.Errorf("sub-payment %s->%s: %w", t.pay.From.Short(), t.pay.To.Short(), err)
		}
		totalSent += sent
	}
	if totalSent != expected {
		return fmt.Errorf("sent %d != expected %d on %s: %w", totalSent, expected, proposalIDStr, hive.ErrFatal)
	}

	// All sub-payments complete: sign and broadcast the execution.
	ts := e.now().Unix()
	payload, err := wire.ExecutionSigningPayload(proposalIDStr, e.self, row.PlanHash, totalSent, ts)
	if err != nil {
		return err
	}
	sig, err := e.signer.Sign(ctx, payload)
	if err != nil {
		return err
	}
	if sig == "" {
		return fmt.Errorf("signing adapter returned empty signature: %w", hive.ErrUnavailable)
	}

	exec := ExecutionMsg{
		ProposalID: proposalIDStr,
		Executor:   e.self,
		PlanHash:   row.PlanHash,
		TotalSent:  totalSent,
		Timestamp:  ts,
		Signature:  sig,
	}
	if err := e.recordExecution(ctx, exec); err != nil {
		return err
	}
	if e.broadcast != nil {
		if err := e.broadcast.Broadcast(ctx, wire.KindSettlementExecute, map[string]interface{}{
			"proposal_id":      exec.ProposalID,
			"executor_peer_id": string(exec.Executor),
			"plan_hash":        exec.PlanHash,
			"total_sent_sats":  exec.TotalSent,
			"timestamp":        exec.Timestamp,
			"signature":        exec.Signature,
		}); err != nil {
			e.log.Warn("execution broadcast failed", "error", err)
		}
	}
	e.log.Info("settlement executed", "proposal", proposalIDStr, "total_sent", totalSent)
	return nil
}

// paySub performs one planned transfer with a crash-safe sub-payment row.
// Returns the amount counted toward total_sent.
func (e *Engine) paySub(ctx context.Context, proposalIDStr string, pay Payment, offer string) (int64, error) {
	existing, err := e.st.GetSubPayment(ctx, proposalIDStr, string(pay.From), string(pay.To))
	if err == nil && existing.Status == store.SubPaymentCompleted {
		// Already paid in a previous run.
		return existing.AmountSats, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	sub := &store.SubPaymentRow{
		ProposalID: proposalIDStr,
		FromPeer:   string(pay.From),
		ToPeer:     string(pay.To),
		AmountSats: pay.AmountSats,
		Status:     store.SubPaymentPending,
		UpdatedAt:  e.now(),
	}
	if err := e.st.UpsertSubPayment(ctx, sub); err != nil {
		return 0, err
	}

	invoice, err := e.rpc.FetchInvoice(ctx, offer, pay.AmountSats*1000)
	if err != nil {
		e.markSubFailed(ctx, sub)
		return 0, err
	}
	res, err := e.rpc.Pay(ctx, invoice)
	if err != nil {
		e.markSubFailed(ctx, sub)
		return 0, err
	}

	sub.Status = store.SubPaymentCompleted
	sub.PaymentHash = res.PaymentHash
	sub.UpdatedAt = e.now()
	if err := e.st.UpsertSubPayment(ctx, sub); err != nil {
		return 0, err
	}
	return pay.AmountSats, nil
}

func (e *Engine) markSubFailed(ctx context.Context, sub *store.SubPaymentRow) {
	sub.Status = store.SubPaymentFailed
	sub.UpdatedAt = e.now()
	if err := e.st.UpsertSubPayment(ctx, sub); err != nil {
		e.log.Warn("mark sub-payment failed", "error", err)
	}
}

// ExecutionMsg is the decoded SETTLEMENT_EXECUTE payload.
type ExecutionMsg struct {
	ProposalID string      `json:"proposal_id"`
	Executor   hive.PeerID `json:"executor_peer_id"`
	PlanHash   string      `json:"plan_hash"`
	TotalSent  int64       `json:"total_sent_sats"`
	Timestamp  int64       `json:"timestamp"`
	Signature  string      `json:"signature"`
}

// HandleExecution verifies and records a peer's execution message.
func (e *Engine) HandleExecution(ctx context.Context, exec ExecutionMsg) error {
	payload, err := wire.ExecutionSigningPayload(exec.ProposalID, exec.Executor, exec.PlanHash, exec.TotalSent, exec.Timestamp)
	if err != nil {
		return err
	}
	ok, err := e.signer.Verify(ctx, payload, exec.Signature, exec.Executor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution signature does not recover executor: %w", hive.ErrSignature)
	}
	return e.recordExecution(ctx, exec)
}

func (e *Engine) recordExecution(ctx context.Context, exec ExecutionMsg) error {
	row, err := e.st.GetProposal(ctx, exec.ProposalID)
	if err != nil {
		return hive.Validationf("execution for unknown proposal %s", exec.ProposalID)
	}
	// Plan-bound: a mismatched plan_hash never counts toward completion.
	if exec.PlanHash != row.PlanHash {
		return hive.Validationf("execution plan_hash mismatch on %s", exec.ProposalID)
	}

	if _, err := e.st.InsertExecution(ctx, &store.ExecutionRow{
		ProposalID:     exec.ProposalID,
		ExecutorPeerID: string(exec.Executor),
		PlanHash:       exec.PlanHash,
		AmountPaidSats: exec.TotalSent,
		Signature:      exec.Signature,
		ExecutedAt:     time.Unix(exec.Timestamp, 0).UTC(),
	}); err != nil {
		return err
	}
	return e.checkCompletion(ctx, row)
}

// checkCompletion marks the proposal completed once every planned payer has
// a matching execution. Receivers are not required to emit executions.
func (e *Engine) checkCompletion(ctx context.Context, row *store.ProposalRow) error {
	if row.Status == StatusCompleted {
		return nil
	}

	var plan Plan
	if err := json.Unmarshal([]byte(row.PlanJSON), &plan); err != nil {
		return fmt.Errorf("corrupt stored plan for %s: %w", row.ProposalID, hive.ErrFatal)
	}

	execs, err := e.st.ListExecutions(ctx, row.ProposalID)
	if err != nil {
		return err
	}
	byPeer := make(map[hive.PeerID]store.ExecutionRow, len(execs))
	for _, ex := range execs {
		byPeer[hive.PeerID(ex.ExecutorPeerID)] = ex
	}

	for _, payer := range plan.Payers() {
		ex, ok := byPeer[payer]
		if !ok {
			return nil // still waiting
		}
		if ex.PlanHash != row.PlanHash || ex.AmountPaidSats != plan.ExpectedSent(payer) {
			return nil
		}
	}

	if err := e.st.UpdateProposalStatus(ctx, row.ProposalID, StatusCompleted); err != nil {
		return err
	}
	if err := e.st.MarkPeriodSettled(ctx, row.Period); err != nil {
		return err
	}
	e.log.Info("settlement completed", "proposal", row.ProposalID, "period", row.Period)
	return nil
}

// ============================================================================
// PERIODIC TICK
// ============================================================================

// Tick runs on the scheduler: proposes for the closed period when no
// proposal exists, re-broadcasts pending proposals, and executes our side
// of ready ones.
func (e *Engine) Tick(ctx context.Context) {
	period := PreviousPeriod(e.now())

	settled, err := e.st.IsPeriodSettled(ctx, period)
	if err != nil {
		e.log.Warn("settlement tick: settled check failed", "error", err)
		return
	}
	if !settled {
		row, err := e.st.GetProposalByPeriod(ctx, period)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := e.Propose(ctx, period); err != nil && !errors.Is(err, hive.ErrValidation) {
				e.log.Warn("settlement tick: propose failed", "period", period, "error", err)
			}
		case err != nil:
			e.log.Warn("settlement tick: proposal lookup failed", "error", err)
		case row.Status == StatusPending:
			// Never reached quorum: re-broadcast from the stored snapshot.
			if e.broadcast != nil {
				if err := e.broadcast.Broadcast(ctx, wire.KindSettlementPropose, e.proposePayload(row)); err != nil {
					e.log.Warn("settlement tick: rebroadcast failed", "error", err)
				}
			}
		case row.Status == StatusReady:
			if err := e.ExecuteOurSettlement(ctx, row.ProposalID); err != nil {
				e.log.Warn("settlement tick: execution failed", "proposal", row.ProposalID, "error", err)
			}
		}
	}
}

// History lists recent proposals for the RPC surface.
func (e *Engine) History(ctx context.Context, limit int) ([]store.ProposalRow, error) {
	return e.st.ListProposals(ctx, limit)
}
