package hub

import (
	"context"
	"time"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/intent"
	"github.com/lnhive/hived/internal/management"
	"github.com/lnhive/hived/internal/reputation"
	"github.com/lnhive/hived/internal/settlement"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/wire"
)

// payloadString reads a string field, "" when absent or mistyped.
func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

// payloadInt64 reads a numeric field. The codec decodes with UseNumber, so
// numbers arrive as json.Number.
func payloadInt64(p map[string]interface{}, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case interface{ Int64() (int64, error) }:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// handleHello admits the sender and answers once so both sides learn each
// other. The reply carries reply=true (unsigned hint) to stop the exchange.
func (h *Hub) handleHello(ctx context.Context, from hive.PeerID, env *wire.Envelope) error {
	if _, err := h.members.AdmitHello(ctx, env.Sender); err != nil {
		return err
	}
	if reply, _ := env.Payload["reply"].(bool); reply {
		return nil
	}
	return h.SendTo(ctx, env.Sender, wire.KindHello, map[string]interface{}{
		"alias":        h.self.Short(),
		"capabilities": []string{"settlement", "management", "reputation"},
		"timestamp":    time.Now().Unix(),
		"reply":        true,
	})
}

// handleGossip folds a peer's full counter snapshot into the state cache.
func (h *Hub) handleGossip(_ context.Context, _ hive.PeerID, env *wire.Envelope) error {
	if !h.members.IsMember(env.Sender) {
		return hive.Validationf("gossip from unknown peer %s", env.Sender.Short())
	}
	h.members.UpdateState(env.Sender, hive.PeerState{
		PeerID:         env.Sender,
		CapacitySats:   payloadInt64(env.Payload, "capacity_sats"),
		ForwardCount:   payloadInt64(env.Payload, "forward_count"),
		FeesEarnedSats: payloadInt64(env.Payload, "fees_earned_sats"),
		RebalanceCosts: payloadInt64(env.Payload, "rebalance_costs_sats"),
	})
	return nil
}

// handleStateHash requests the full fee report when the gossiped fingerprint
// disagrees with the cached snapshot.
func (h *Hub) handleStateHash(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	if !h.members.IsMember(env.Sender) {
		return hive.Validationf("state hash from unknown peer %s", env.Sender.Short())
	}
	if !h.members.Diverged(env.Sender, payloadString(env.Payload, "state_hash")) {
		return nil
	}
	return h.SendTo(ctx, env.Sender, wire.KindFeeReportRequest, map[string]interface{}{
		"period":    settlement.PeriodOf(time.Now()),
		"timestamp": time.Now().Unix(),
	})
}

// handleFeeReport persists a member's weekly counters.
func (h *Hub) handleFeeReport(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	if !h.members.IsMember(env.Sender) {
		return hive.Validationf("fee report from unknown peer %s", env.Sender.Short())
	}
	period := payloadString(env.Payload, "period")
	if period == "" {
		return hive.Validationf("fee report missing period")
	}
	row := &store.FeeReportRow{
		Period:             period,
		PeerID:             string(env.Sender),
		FeesEarnedSats:     payloadInt64(env.Payload, "fees_earned_sats"),
		RebalanceCostsSats: payloadInt64(env.Payload, "rebalance_costs_sats"),
		CapacitySats:       payloadInt64(env.Payload, "capacity_sats"),
		ForwardCount:       payloadInt64(env.Payload, "forward_count"),
		UptimePct:          int(payloadInt64(env.Payload, "uptime_pct")),
		ReportedAt:         time.Now(),
	}
	if err := h.st.UpsertFeeReport(ctx, row); err != nil {
		return err
	}
	h.members.UpdateState(env.Sender, hive.PeerState{
		PeerID:         env.Sender,
		CapacitySats:   row.CapacitySats,
		ForwardCount:   row.ForwardCount,
		FeesEarnedSats: row.FeesEarnedSats,
		RebalanceCosts: row.RebalanceCostsSats,
	})
	return nil
}

// handleFeeReportRequest answers with this node's counters for the period.
func (h *Hub) handleFeeReportRequest(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	state, ok := h.members.State(h.self)
	if !ok {
		return nil // nothing to report yet
	}
	uptime := 100
	if m, ok := h.members.Get(h.self); ok {
		uptime = int(m.UptimePct * 100)
	}
	period := payloadString(env.Payload, "period")
	if period == "" {
		period = settlement.PeriodOf(time.Now())
	}
	return h.SendTo(ctx, env.Sender, wire.KindFeeReport, map[string]interface{}{
		"period":               period,
		"fees_earned_sats":     state.FeesEarnedSats,
		"rebalance_costs_sats": state.RebalanceCosts,
		"capacity_sats":        state.CapacitySats,
		"forward_count":        state.ForwardCount,
		"uptime_pct":           uptime,
		"timestamp":            time.Now().Unix(),
	})
}

// handleIntent contends for the (kind, target) lock and answers with the
// current holder.
func (h *Hub) handleIntent(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	in := intent.Intent{
		RequestID: payloadString(env.Payload, "request_id"),
		Kind:      payloadString(env.Payload, "kind"),
		Target:    payloadString(env.Payload, "target"),
		Owner:     env.Sender,
		Deadline:  time.Unix(payloadInt64(env.Payload, "deadline"), 0),
	}
	if in.Kind == "" || in.Target == "" {
		return hive.Validationf("intent missing kind or target")
	}
	h.intents.Handle(in)

	holder := h.intents.Holder(in.Kind, in.Target)
	return h.SendTo(ctx, env.Sender, wire.KindIntentAck, map[string]interface{}{
		"request_id":    in.RequestID,
		"kind":          in.Kind,
		"target":        in.Target,
		"owner_peer_id": string(holder),
	})
}

// handleIntentAck folds a peer's view of the lock holder into contention.
func (h *Hub) handleIntentAck(_ context.Context, _ hive.PeerID, env *wire.Envelope) error {
	owner := hive.PeerID(payloadString(env.Payload, "owner_peer_id"))
	kind := payloadString(env.Payload, "kind")
	target := payloadString(env.Payload, "target")
	if owner == "" || kind == "" || target == "" {
		return hive.Validationf("intent ack missing fields")
	}
	h.intents.Handle(intent.Intent{
		RequestID: payloadString(env.Payload, "request_id"),
		Kind:      kind,
		Target:    target,
		Owner:     owner,
		Deadline:  time.Now().Add(intent.DefaultDeadline),
	})
	return nil
}

// handleDIDPresent verifies and stores a presented reputation credential.
func (h *Hub) handleDIDPresent(ctx context.Context, from hive.PeerID, env *wire.Envelope) error {
	var cred reputation.Credential
	if err := decodePayload(env.Payload, &cred); err != nil {
		return err
	}
	return h.rep.Accept(ctx, &cred, from)
}

// handleDIDRevoke applies an issuer-signed revocation.
func (h *Hub) handleDIDRevoke(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	return h.rep.AcceptRevocation(ctx,
		payloadString(env.Payload, "credential_id"),
		payloadString(env.Payload, "reason"),
		payloadString(env.Payload, "signature"),
		hive.PeerID(payloadString(env.Payload, "issuer_id")),
	)
}

// handleMgmtPresent verifies and stores a management credential, behind the
// per-peer rate limit.
func (h *Hub) handleMgmtPresent(ctx context.Context, from hive.PeerID, env *wire.Envelope) error {
	var cred management.Credential
	if err := decodePayload(env.Payload, &cred); err != nil {
		return err
	}
	return h.mgmt.AcceptCredential(ctx, &cred, from)
}

// handleMgmtRevoke applies an issuer-signed management revocation.
func (h *Hub) handleMgmtRevoke(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	return h.mgmt.AcceptRevocation(ctx,
		payloadString(env.Payload, "credential_id"),
		payloadString(env.Payload, "reason"),
		payloadString(env.Payload, "signature"),
		hive.PeerID(payloadString(env.Payload, "issuer_id")),
	)
}

func (h *Hub) handleSettlementPropose(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	if h.settle == nil {
		return hive.Validationf("settlement disabled")
	}
	var msg settlement.ProposalMsg
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	return h.settle.HandlePropose(ctx, msg)
}

func (h *Hub) handleSettlementReady(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	if h.settle == nil {
		return hive.Validationf("settlement disabled")
	}
	var msg settlement.VoteMsg
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	return h.settle.HandleVote(ctx, msg)
}

func (h *Hub) handleSettlementExecute(ctx context.Context, _ hive.PeerID, env *wire.Envelope) error {
	if h.settle == nil {
		return hive.Validationf("settlement disabled")
	}
	var msg settlement.ExecutionMsg
	if err := decodePayload(env.Payload, &msg); err != nil {
		return err
	}
	return h.settle.HandleExecution(ctx, msg)
}

// handleRepSnapshot stores a peer-reported aggregate as an advisory
// observation. It never feeds locally computed aggregation.
func (h *Hub) handleRepSnapshot(_ context.Context, _ hive.PeerID, env *wire.Envelope) error {
	subject := hive.PeerID(payloadString(env.Payload, "subject_id"))
	if subject == "" {
		return hive.Validationf("reputation snapshot missing subject_id")
	}
	obs := RepObservation{
		Reporter:   env.Sender,
		SubjectID:  subject,
		Domain:     payloadString(env.Payload, "domain"),
		Score:      int(payloadInt64(env.Payload, "score")),
		Tier:       payloadString(env.Payload, "tier"),
		ComputedAt: payloadInt64(env.Payload, "computed_at"),
	}
	h.obsMu.Lock()
	h.observations[string(obs.SubjectID)+"|"+obs.Domain+"|"+string(obs.Reporter)] = obs
	h.obsMu.Unlock()
	return nil
}

// handleRecordOnly covers reliable kinds whose only local obligation is the
// idempotency record and onward relay (bond, netting, arbitration traffic).
func (h *Hub) handleRecordOnly(_ context.Context, _ hive.PeerID, env *wire.Envelope) error {
	h.log.Debug("reliable event recorded", "kind", env.Type, "sender", env.Sender.Short())
	return nil
}

// handleRelayAck is a liveness hint only; Touch already happened.
func (h *Hub) handleRelayAck(context.Context, hive.PeerID, *wire.Envelope) error {
	return nil
}
