// Package hub is the coordinator core: it pulls envelopes off the peer
// transport, runs the dedup/verify/idempotency pipeline, dispatches to the
// per-kind handlers, re-floods relayed messages, and drives the periodic
// cooperative tasks on a single ticker.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lnhive/hived/internal/config"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/intent"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/management"
	"github.com/lnhive/hived/internal/membership"
	"github.com/lnhive/hived/internal/metrics"
	"github.com/lnhive/hived/internal/relay"
	"github.com/lnhive/hived/internal/reputation"
	"github.com/lnhive/hived/internal/settlement"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/transport"
	"github.com/lnhive/hived/internal/wire"
)

// tickInterval paces the periodic cooperative tasks. Each task keeps its own
// cadence on top of the shared ticker.
const tickInterval = 30 * time.Second

// HandlerFunc processes one verified, deduplicated envelope.
type HandlerFunc func(ctx context.Context, from hive.PeerID, env *wire.Envelope) error

// Options wires the hub's collaborators.
type Options struct {
	Self       hive.PeerID
	Signer     identity.Signer
	Store      *store.Store
	Members    *membership.Manager
	Reputation *reputation.Manager
	Management *management.Manager
	Intents    *intent.Coordinator
	Settlement *settlement.Engine
	Transport  transport.Transport
	Node       lightning.RPC
	Metrics    *metrics.Metrics
	Log        *slog.Logger

	Governance       config.GovernanceMode
	RelayTTL         int
	RequiredMessages []string
	FeerateGateSatVB int
	SettlementOn     bool
}

// Hub is the single-process coordinator core.
type Hub struct {
	self   hive.PeerID
	signer identity.Signer
	st     *store.Store

	members *membership.Manager
	rep     *reputation.Manager
	mgmt    *management.Manager
	intents *intent.Coordinator
	settle  *settlement.Engine
	tr      transport.Transport
	node    lightning.RPC
	met     *metrics.Metrics
	log     *slog.Logger

	governance   config.GovernanceMode
	relayTTL     int
	required     map[wire.Kind]bool // empty map = accept all
	feerateGate  int
	settlementOn bool

	dedup    *relay.Dedup
	handlers map[wire.Kind]HandlerFunc

	// Advisory reputation observations gossiped by peers. Never mixed into
	// locally computed aggregates.
	obsMu        sync.RWMutex
	observations map[string]RepObservation

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// RepObservation is a peer-reported reputation snapshot.
type RepObservation struct {
	Reporter   hive.PeerID `json:"reporter"`
	SubjectID  hive.PeerID `json:"subject_id"`
	Domain     string      `json:"domain"`
	Score      int         `json:"score"`
	Tier       string      `json:"tier"`
	ComputedAt int64       `json:"computed_at"`
}

// New assembles the hub. Handlers for every message kind are registered
// here; unregistered kinds are rejected at decode time by the codec.
func New(opts Options) *Hub {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.RelayTTL
	if ttl <= 0 || ttl > relay.HardTTLCap {
		ttl = 2
	}
	required := make(map[wire.Kind]bool, len(opts.RequiredMessages))
	for _, k := range opts.RequiredMessages {
		required[wire.Kind(k)] = true
	}

	h := &Hub{
		self:         opts.Self,
		signer:       opts.Signer,
		st:           opts.Store,
		members:      opts.Members,
		rep:          opts.Reputation,
		mgmt:         opts.Management,
		intents:      opts.Intents,
		settle:       opts.Settlement,
		tr:           opts.Transport,
		node:         opts.Node,
		met:          opts.Metrics,
		log:          log.With("component", "hub"),
		governance:   opts.Governance,
		relayTTL:     ttl,
		required:     required,
		feerateGate:  opts.FeerateGateSatVB,
		settlementOn: opts.SettlementOn,
		dedup:        relay.NewDedup(),
		observations: make(map[string]RepObservation),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	h.handlers = map[wire.Kind]HandlerFunc{
		wire.KindHello:             h.handleHello,
		wire.KindGossip:            h.handleGossip,
		wire.KindStateHash:         h.handleStateHash,
		wire.KindIntent:            h.handleIntent,
		wire.KindIntentAck:         h.handleIntentAck,
		wire.KindFeeReport:         h.handleFeeReport,
		wire.KindFeeReportRequest:  h.handleFeeReportRequest,
		wire.KindDIDPresent:        h.handleDIDPresent,
		wire.KindDIDRevoke:         h.handleDIDRevoke,
		wire.KindMgmtPresent:       h.handleMgmtPresent,
		wire.KindMgmtRevoke:        h.handleMgmtRevoke,
		wire.KindSettlementPropose: h.handleSettlementPropose,
		wire.KindSettlementReady:   h.handleSettlementReady,
		wire.KindSettlementExecute: h.handleSettlementExecute,
		wire.KindPeerRepSnapshot:   h.handleRepSnapshot,
		wire.KindBondPost:          h.handleRecordOnly,
		wire.KindBondSlash:         h.handleRecordOnly,
		wire.KindNetting:           h.handleRecordOnly,
		wire.KindViolationReport:   h.handleRecordOnly,
		wire.KindArbitrationVote:   h.handleRecordOnly,
		wire.KindRelay:             h.handleRelayAck,
	}
	return h
}

// SetSettlement wires the settlement engine after construction. The engine
// broadcasts through the hub, so the two are built in that order; call this
// before Run.
func (h *Hub) SetSettlement(e *settlement.Engine) { h.settle = e }

// Run dispatches inbound envelopes and periodic tasks until Stop or ctx
// cancellation. Blocking work (settlement payments) happens on the tick
// path, never on the dispatch path.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case in, ok := <-h.tr.Inbound():
			if !ok {
				return
			}
			h.dispatch(ctx, in)
		case <-ticker.C:
			tick++
			h.runPeriodic(ctx, tick)
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to exit and waits for it.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Inject feeds a raw packet into the pipeline as if it had arrived from
// peer. Backs the raw-packet RPC command for external transports.
func (h *Hub) Inject(ctx context.Context, from hive.PeerID, raw []byte) error {
	env, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	h.dispatch(ctx, transport.Inbound{From: from, Envelope: env})
	return nil
}

// dispatch runs the full inbound pipeline for one envelope. Handlers never
// panic through to the transport.
func (h *Hub) dispatch(ctx context.Context, in transport.Inbound) {
	env := in.Envelope
	start := time.Now()
	result := "handled"
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", "kind", env.Type, "panic", r)
			result = "error"
		}
		if h.met != nil {
			h.met.ObserveInbound(string(env.Type), result, time.Since(start).Seconds())
		}
	}()

	if len(h.required) > 0 && !h.required[env.Type] {
		result = "dropped"
		return
	}

	msgID, err := wire.MsgID(env)
	if err != nil {
		h.log.Warn("msg_id failed", "kind", env.Type, "error", err)
		result = "error"
		return
	}
	if h.dedup.Check(msgID) {
		if h.met != nil {
			h.met.RelaySuppressed.WithLabelValues("duplicate").Inc()
		}
		result = "duplicate"
		return
	}

	if err := h.verify(ctx, env); err != nil {
		h.log.Warn("envelope rejected", "kind", env.Type, "sender", env.Sender.Short(), "error", err)
		result = "dropped"
		return
	}

	// Reliable kinds pass the idempotency index before their handler runs.
	// A previously seen event is acknowledged without reprocessing.
	if eventID, reliable, err := wire.EventID(env); reliable {
		if err != nil {
			h.log.Warn("reliable envelope missing event fields", "kind", env.Type, "error", err)
			result = "dropped"
			return
		}
		fresh, err := h.st.MarkEvent(ctx, string(env.Type), eventID)
		if err != nil {
			h.log.Warn("idempotency mark failed", "kind", env.Type, "error", err)
			result = "error"
			return
		}
		if !fresh {
			result = "duplicate"
			h.relayOut(env, in.From)
			return
		}
	}

	if handler, ok := h.handlers[env.Type]; ok {
		if err := handler(ctx, in.From, env); err != nil {
			h.logHandlerError(env, err)
			result = "error"
			return // rejected messages are not relayed onward
		}
	}

	h.members.Touch(env.Sender)
	h.relayOut(env, in.From)
}

// verify checks the envelope signature against the sender. Fail-closed.
func (h *Hub) verify(ctx context.Context, env *wire.Envelope) error {
	payload, err := wire.EnvelopeSigningPayload(env)
	if err != nil {
		return err
	}
	ok, err := h.signer.Verify(ctx, payload, env.Signature, env.Sender)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("envelope signature does not recover sender: %w", hive.ErrSignature)
	}
	return nil
}

// logHandlerError applies the error-taxonomy logging rules.
func (h *Hub) logHandlerError(env *wire.Envelope, err error) {
	switch {
	case errors.Is(err, hive.ErrFatal):
		h.log.Error("handler invariant violation", "kind", env.Type, "error", err)
	case errors.Is(err, hive.ErrValidation), errors.Is(err, hive.ErrSignature):
		h.log.Warn("message dropped", "kind", env.Type, "sender", env.Sender.Short(), "error", err)
	default:
		h.log.Warn("handler failed", "kind", env.Type, "error", err)
	}
}

// relayOut re-floods env to the members the relay plan selects.
func (h *Hub) relayOut(env *wire.Envelope, from hive.PeerID) {
	targets, fwd := relay.Plan(env, from, h.self, h.members.Peers())
	if fwd == nil {
		if env.Relay != nil && h.met != nil {
			h.met.RelaySuppressed.WithLabelValues("ttl").Inc()
		}
		return
	}
	for _, peer := range targets {
		if err := h.tr.Send(peer, fwd); err != nil {
			continue // queue full or disconnected; flooding tolerates loss
		}
		if h.met != nil {
			h.met.RelayForwards.Inc()
		}
	}
}

// signEnvelope attaches the sender signature. An empty signature from the
// adapter is a hard failure for outbound messages.
func (h *Hub) signEnvelope(ctx context.Context, env *wire.Envelope) error {
	payload, err := wire.EnvelopeSigningPayload(env)
	if err != nil {
		return err
	}
	sig, err := h.signer.Sign(ctx, payload)
	if err != nil {
		return err
	}
	if sig == "" {
		return fmt.Errorf("signing adapter returned empty signature: %w", hive.ErrUnavailable)
	}
	env.Signature = sig
	return nil
}

// Broadcast signs and floods a payload to every active member. Implements
// settlement.Broadcaster.
func (h *Hub) Broadcast(ctx context.Context, kind wire.Kind, payload map[string]interface{}) error {
	env := wire.NewEnvelope(kind, h.self, payload).WithRelay(h.relayTTL, h.self)
	if err := h.signEnvelope(ctx, env); err != nil {
		return err
	}

	// Mark our own msg_id so echoes are not re-dispatched.
	if msgID, err := wire.MsgID(env); err == nil {
		h.dedup.Check(msgID)
	}

	var lastErr error
	for _, peer := range h.members.Peers() {
		if peer == h.self {
			continue
		}
		if err := h.tr.Send(peer, env); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendTo signs and sends a payload to one peer without relay metadata.
func (h *Hub) SendTo(ctx context.Context, peer hive.PeerID, kind wire.Kind, payload map[string]interface{}) error {
	env := wire.NewEnvelope(kind, h.self, payload)
	if err := h.signEnvelope(ctx, env); err != nil {
		return err
	}
	return h.tr.Send(peer, env)
}

// decodePayload converts a payload map into a typed message.
func decodePayload(payload map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return hive.Validationf("payload decode: %v", err)
	}
	return nil
}

// Observations returns the advisory peer-reported snapshots.
func (h *Hub) Observations() []RepObservation {
	h.obsMu.RLock()
	defer h.obsMu.RUnlock()
	out := make([]RepObservation, 0, len(h.observations))
	for _, o := range h.observations {
		out = append(out, o)
	}
	return out
}

// Governance returns the configured governance mode.
func (h *Hub) Governance() config.GovernanceMode { return h.governance }

// FeerateAdmitted reports whether a channel-open feerate passes the
// configured gate. A zero gate admits everything.
func (h *Hub) FeerateAdmitted(satPerVB int) bool {
	return h.feerateGate <= 0 || satPerVB <= h.feerateGate
}

// ============================================================================
// PERIODIC TASKS
// ============================================================================

// runPeriodic drives the cooperative tasks. Every task swallows and logs its
// own failures so one bad entity cannot stop the scheduler.
func (h *Hub) runPeriodic(ctx context.Context, tick int) {
	if expired := h.intents.Expire(); expired > 0 {
		h.log.Info("intent locks expired", "count", expired)
	}

	// Refresh local counters and gossip the state fingerprint every tick.
	h.refreshSelfState(ctx)
	h.gossipState(ctx)

	// Liveness sweep and relay GC each minute.
	if tick%2 == 0 {
		h.members.LivenessSweep(ctx)
		h.dedup.GC()
	}

	// Settlement and reputation snapshots are slow-moving; every 10 ticks.
	if tick%10 == 0 {
		if h.settlementOn && h.settle != nil {
			h.settle.Tick(ctx)
		}
		h.gossipRepSnapshots(ctx)
	}
}

// refreshSelfState folds the node's forward totals into the local snapshot.
func (h *Hub) refreshSelfState(ctx context.Context) {
	if h.node == nil {
		return
	}
	forwards, err := h.node.ListForwards(ctx)
	if err != nil {
		h.log.Warn("listforwards failed", "error", err)
		return
	}
	prev, _ := h.members.State(h.self)
	state := hive.PeerState{
		PeerID:          h.self,
		CapacitySats:    prev.CapacitySats,
		RebalanceCosts:  prev.RebalanceCosts,
		NetworkPosition: prev.NetworkPosition,
	}
	for _, f := range forwards {
		if f.Status != "settled" {
			continue
		}
		state.ForwardCount++
		state.FeesEarnedSats += f.FeeMsat / 1000
	}
	h.members.UpdateState(h.self, state)
}

// gossipState floods the compact state fingerprint.
func (h *Hub) gossipState(ctx context.Context) {
	state, ok := h.members.State(h.self)
	if !ok {
		return
	}
	err := h.Broadcast(ctx, wire.KindGossip, map[string]interface{}{
		"state_hash":           membership.StateHash(state),
		"capacity_sats":        state.CapacitySats,
		"forward_count":        state.ForwardCount,
		"fees_earned_sats":     state.FeesEarnedSats,
		"rebalance_costs_sats": state.RebalanceCosts,
		"timestamp":            time.Now().Unix(),
	})
	if err != nil {
		h.log.Warn("state gossip failed", "error", err)
	}
}

// gossipRepSnapshots broadcasts locally aggregated scores for active members.
func (h *Hub) gossipRepSnapshots(ctx context.Context) {
	if h.rep == nil {
		return
	}
	for _, peer := range h.members.Peers() {
		agg, err := h.rep.Aggregate(ctx, peer, "")
		if err != nil || agg == nil || agg.CredentialCount == 0 {
			continue
		}
		err = h.Broadcast(ctx, wire.KindPeerRepSnapshot, map[string]interface{}{
			"subject_id":  string(agg.SubjectID),
			"domain":      agg.Domain,
			"score":       agg.Score,
			"tier":        agg.Tier,
			"computed_at": agg.ComputedAt.Unix(),
		})
		if err != nil {
			h.log.Warn("reputation snapshot gossip failed", "peer", peer.Short(), "error", err)
		}
	}
}
