// Package api exposes the coordinator's command surface over HTTP. Every
// operation answers with the uniform {ok, error?, details?} result object;
// the error taxonomy maps onto status codes in one place.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lnhive/hived/internal/config"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/hub"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/intent"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/management"
	"github.com/lnhive/hived/internal/membership"
	"github.com/lnhive/hived/internal/reputation"
	"github.com/lnhive/hived/internal/settlement"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/wire"
)

// Server hosts the command surface.
type Server struct {
	self    hive.PeerID
	signer  identity.Signer
	st      *store.Store
	members *membership.Manager
	rep     *reputation.Manager
	mgmt    *management.Manager
	intents *intent.Coordinator
	settle  *settlement.Engine
	hub     *hub.Hub
	node    lightning.RPC
	opener  *lightning.Opener
	reg     prometheus.Gatherer
	log     *slog.Logger
}

// Options wires the server's collaborators. Registry may be nil to skip the
// /metrics endpoint.
type Options struct {
	Self       hive.PeerID
	Signer     identity.Signer
	Store      *store.Store
	Members    *membership.Manager
	Reputation *reputation.Manager
	Management *management.Manager
	Intents    *intent.Coordinator
	Settlement *settlement.Engine
	Hub        *hub.Hub
	Node       lightning.RPC
	Opener     *lightning.Opener
	Registry   prometheus.Gatherer
	Log        *slog.Logger
}

// NewServer builds the command surface.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		self:    opts.Self,
		signer:  opts.Signer,
		st:      opts.Store,
		members: opts.Members,
		rep:     opts.Reputation,
		mgmt:    opts.Management,
		intents: opts.Intents,
		settle:  opts.Settlement,
		hub:     opts.Hub,
		node:    opts.Node,
		opener:  opts.Opener,
		reg:     opts.Registry,
		log:     log.With("component", "api"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/offer/register", s.handleRegisterOffer).Methods(http.MethodPost)
	v1.HandleFunc("/settlement/propose", s.handleProposeSettlement).Methods(http.MethodPost)
	v1.HandleFunc("/settlement/history", s.handleSettlementHistory).Methods(http.MethodGet)
	v1.HandleFunc("/settlement/{proposal_id}", s.handleSettlementDetail).Methods(http.MethodGet)
	v1.HandleFunc("/credentials/reputation/issue", s.handleIssueReputation).Methods(http.MethodPost)
	v1.HandleFunc("/credentials/reputation/revoke", s.handleRevokeReputation).Methods(http.MethodPost)
	v1.HandleFunc("/credentials/management/issue", s.handleIssueManagement).Methods(http.MethodPost)
	v1.HandleFunc("/credentials/management/revoke", s.handleRevokeManagement).Methods(http.MethodPost)
	v1.HandleFunc("/management/schemas", s.handleListSchemas).Methods(http.MethodGet)
	v1.HandleFunc("/management/execute", s.handleManagementExecute).Methods(http.MethodPost)
	v1.HandleFunc("/intent", s.handleEnqueueIntent).Methods(http.MethodPost)
	v1.HandleFunc("/reputation/{peer_id}", s.handlePeerReputation).Methods(http.MethodGet)
	v1.HandleFunc("/packet", s.handleInjectPacket).Methods(http.MethodPost)
	v1.HandleFunc("/channel/open", s.handleChannelOpen).Methods(http.MethodPost)

	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeResult(w, http.StatusInternalServerError, hive.Result{OK: false, Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hive.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, hive.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, hive.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, hive.ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, hive.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, status int, res hive.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func writeOK(w http.ResponseWriter, details interface{}) {
	writeResult(w, http.StatusOK, hive.OKResult(details))
}

func writeErr(w http.ResponseWriter, err error) {
	writeResult(w, statusFor(err), hive.ErrResult(err))
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return hive.Validationf("request body: %v", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	members := s.members.All()
	active := 0
	for _, m := range members {
		if m.Active {
			active++
		}
	}
	writeOK(w, map[string]interface{}{
		"peer_id":        string(s.self),
		"identity":       s.signer.Info(),
		"members_total":  len(members),
		"members_active": active,
		"intent_locks":   s.intents.Locks(),
		"governance":     s.hub.Governance(),
	})
}

type registerOfferRequest struct {
	Description string `json:"description"`
}

// handleRegisterOffer registers a reusable BOLT12 offer on the local node and
// records it as our settlement receive address.
func (s *Server) handleRegisterOffer(w http.ResponseWriter, r *http.Request) {
	var req registerOfferRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Description == "" {
		req.Description = "hive settlement"
	}

	offer, err := s.node.Offer(r.Context(), "any", req.Description)
	if err != nil {
		writeErr(w, err)
		return
	}
	err = s.st.UpsertOffer(r.Context(), &store.OfferRow{
		PeerID:       string(s.self),
		Bolt12:       offer.Bolt12,
		RegisteredAt: time.Now(),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, offer)
}

type proposeSettlementRequest struct {
	Period string `json:"period,omitempty"`
}

func (s *Server) handleProposeSettlement(w http.ResponseWriter, r *http.Request) {
	var req proposeSettlementRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Period == "" {
		req.Period = settlement.PreviousPeriod(time.Now())
	}

	row, err := s.settle.Propose(r.Context(), req.Period)
	if err != nil {
		writeErr(w, err)
		return
	}
	if row == nil {
		writeOK(w, map[string]interface{}{"period": req.Period, "skipped": "zero fees"})
		return
	}
	writeOK(w, row)
}

func (s *Server) handleSettlementHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeErr(w, hive.Validationf("limit %q", q))
			return
		}
		limit = n
	}
	rows, err := s.settle.History(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, rows)
}

func (s *Server) handleSettlementDetail(w http.ResponseWriter, r *http.Request) {
	proposalID := mux.Vars(r)["proposal_id"]
	row, err := s.st.GetProposal(r.Context(), proposalID)
	if err != nil {
		writeErr(w, hive.Validationf("unknown proposal %s", proposalID))
		return
	}
	votes, err := s.st.ListVotes(r.Context(), proposalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	execs, err := s.st.ListExecutions(r.Context(), proposalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"proposal":   row,
		"votes":      votes,
		"executions": execs,
	})
}

type issueReputationRequest struct {
	SubjectID   string             `json:"subject_id"`
	Domain      string             `json:"domain"`
	Metrics     map[string]float64 `json:"metrics"`
	Outcome     string             `json:"outcome"`
	PeriodStart int64              `json:"period_start,omitempty"`
	PeriodEnd   int64              `json:"period_end,omitempty"`
	Evidence    []string           `json:"evidence,omitempty"`
}

// handleIssueReputation signs a credential about a peer and presents it to
// the hive.
func (s *Server) handleIssueReputation(w http.ResponseWriter, r *http.Request) {
	var req issueReputationRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	cred, err := s.rep.Issue(r.Context(), hive.PeerID(req.SubjectID), req.Domain, req.Metrics, req.Outcome, reputation.IssueParams{
		Evidence:    req.Evidence,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := s.hub.Broadcast(r.Context(), wire.KindDIDPresent, credentialPayload(cred)); err != nil {
		s.log.Warn("credential broadcast failed", "credential", cred.CredentialID, "error", err)
	}
	writeOK(w, cred)
}

func credentialPayload(c *reputation.Credential) map[string]interface{} {
	p := map[string]interface{}{
		"credential_id": c.CredentialID,
		"issuer_id":     string(c.IssuerID),
		"subject_id":    string(c.SubjectID),
		"domain":        c.Domain,
		"period_start":  c.PeriodStart,
		"period_end":    c.PeriodEnd,
		"metrics":       c.Metrics,
		"outcome":       c.Outcome,
		"signature":     c.Signature,
		"issued_at":     c.IssuedAt.UTC().Format(time.RFC3339),
	}
	if len(c.Evidence) > 0 {
		p["evidence"] = c.Evidence
	}
	return p
}

type revokeRequest struct {
	CredentialID string `json:"credential_id"`
	Reason       string `json:"reason"`
}

func (s *Server) handleRevokeReputation(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sig, err := s.rep.Revoke(r.Context(), req.CredentialID, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}

	err = s.hub.Broadcast(r.Context(), wire.KindDIDRevoke, map[string]interface{}{
		"credential_id": req.CredentialID,
		"issuer_id":     string(s.self),
		"reason":        req.Reason,
		"signature":     sig,
	})
	if err != nil {
		s.log.Warn("revocation broadcast failed", "credential", req.CredentialID, "error", err)
	}
	writeOK(w, map[string]interface{}{"credential_id": req.CredentialID, "revoked": true})
}

type issueManagementRequest struct {
	AgentID        string                 `json:"agent_id"`
	Tier           string                 `json:"tier"`
	AllowedSchemas []string               `json:"allowed_schemas"`
	ValidDays      int                    `json:"valid_days,omitempty"`
	Constraints    map[string]interface{} `json:"constraints,omitempty"`
}

func (s *Server) handleIssueManagement(w http.ResponseWriter, r *http.Request) {
	var req issueManagementRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.ValidDays <= 0 {
		req.ValidDays = 30
	}
	cred, err := s.mgmt.Issue(r.Context(), req.AgentID, management.Tier(req.Tier),
		req.AllowedSchemas, time.Duration(req.ValidDays)*24*time.Hour, req.Constraints)
	if err != nil {
		writeErr(w, err)
		return
	}

	err = s.hub.Broadcast(r.Context(), wire.KindMgmtPresent, map[string]interface{}{
		"credential_id":   cred.CredentialID,
		"issuer_id":       string(cred.IssuerID),
		"agent_id":        cred.AgentID,
		"node_id":         string(cred.NodeID),
		"tier":            string(cred.Tier),
		"allowed_schemas": cred.AllowedSchemas,
		"constraints":     cred.Constraints,
		"valid_from":      cred.ValidFrom.UTC().Format(time.RFC3339),
		"valid_until":     cred.ValidUntil.UTC().Format(time.RFC3339),
		"signature":       cred.Signature,
	})
	if err != nil {
		s.log.Warn("management credential broadcast failed", "credential", cred.CredentialID, "error", err)
	}
	writeOK(w, cred)
}

func (s *Server) handleRevokeManagement(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sig, err := s.mgmt.Revoke(r.Context(), req.CredentialID, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}

	err = s.hub.Broadcast(r.Context(), wire.KindMgmtRevoke, map[string]interface{}{
		"credential_id": req.CredentialID,
		"issuer_id":     string(s.self),
		"reason":        req.Reason,
		"signature":     sig,
	})
	if err != nil {
		s.log.Warn("management revocation broadcast failed", "credential", req.CredentialID, "error", err)
	}
	writeOK(w, map[string]interface{}{"credential_id": req.CredentialID, "revoked": true})
}

func (s *Server) handleListSchemas(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, management.Categories())
}

type executeRequest struct {
	CredentialID string                 `json:"credential_id"`
	SchemaID     string                 `json:"schema_id"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// handleManagementExecute runs an authorized action against the local node
// and returns the signed receipt. Failsafe governance refuses outright.
func (s *Server) handleManagementExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if s.hub.Governance() == config.GovernanceFailsafe {
		writeErr(w, fmt.Errorf("management execution disabled in failsafe governance mode: %w", hive.ErrAuthorization))
		return
	}

	receipt, err := s.mgmt.Execute(r.Context(), req.CredentialID, req.SchemaID, req.Params,
		s.executor(req.SchemaID, req.Params))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, receipt)
}

type enqueueIntentRequest struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// handleEnqueueIntent contends for the hive-wide (kind, target) lock and
// announces the claim.
func (s *Server) handleEnqueueIntent(w http.ResponseWriter, r *http.Request) {
	var req enqueueIntentRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Kind == "" || req.Target == "" {
		writeErr(w, hive.Validationf("intent requires kind and target"))
		return
	}

	in, won := s.claimIntent(r.Context(), req.Kind, req.Target)
	writeOK(w, map[string]interface{}{
		"intent": in,
		"won":    won,
		"holder": string(s.intents.Holder(req.Kind, req.Target)),
	})
}

func (s *Server) claimIntent(ctx context.Context, kind, target string) (intent.Intent, bool) {
	in, won := s.intents.Enqueue(kind, target, time.Now().Add(intent.DefaultDeadline))
	err := s.hub.Broadcast(ctx, wire.KindIntent, map[string]interface{}{
		"request_id": in.RequestID,
		"kind":       in.Kind,
		"target":     in.Target,
		"deadline":   in.Deadline.Unix(),
	})
	if err != nil {
		s.log.Warn("intent broadcast failed", "request", in.RequestID, "error", err)
	}
	return in, won
}

func (s *Server) handlePeerReputation(w http.ResponseWriter, r *http.Request) {
	peer := hive.PeerID(mux.Vars(r)["peer_id"])
	domain := r.URL.Query().Get("domain")

	agg, err := s.rep.Aggregate(r.Context(), peer, domain)
	if err != nil {
		writeErr(w, err)
		return
	}

	observations := []hub.RepObservation{}
	for _, o := range s.hub.Observations() {
		if o.SubjectID == peer && (domain == "" || o.Domain == domain) {
			observations = append(observations, o)
		}
	}
	writeOK(w, map[string]interface{}{
		"aggregate":    agg,
		"observations": observations,
	})
}

type injectPacketRequest struct {
	FromPeerID string `json:"from_peer_id"`
	// Raw is the base64-encoded envelope in either wire form.
	Raw string `json:"raw"`
}

// handleInjectPacket feeds a raw envelope through the full dispatch pipeline,
// exactly as if it had arrived over the transport.
func (s *Server) handleInjectPacket(w http.ResponseWriter, r *http.Request) {
	var req injectPacketRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Raw)
	if err != nil {
		writeErr(w, hive.Validationf("raw packet base64: %v", err))
		return
	}
	if err := s.hub.Inject(r.Context(), hive.PeerID(req.FromPeerID), raw); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"injected": true})
}

type channelOpenRequest struct {
	NodeID       string `json:"node_id"`
	AmountSats   int64  `json:"amount_sats"`
	FeerateSatVB int    `json:"feerate_sat_vb,omitempty"`
	Announce     bool   `json:"announce,omitempty"`
}

// handleChannelOpen runs the full open flow: governance and feerate gates,
// then the hive-wide intent lock, then the dual-funded protocol with its
// single-funded fallback.
func (s *Server) handleChannelOpen(w http.ResponseWriter, r *http.Request) {
	var req channelOpenRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.NodeID == "" || req.AmountSats <= 0 {
		writeErr(w, hive.Validationf("channel open requires node_id and amount_sats"))
		return
	}
	if s.hub.Governance() == config.GovernanceFailsafe {
		writeErr(w, fmt.Errorf("channel opens disabled in failsafe governance mode: %w", hive.ErrAuthorization))
		return
	}
	if !s.hub.FeerateAdmitted(req.FeerateSatVB) {
		writeErr(w, hive.Validationf("feerate %d sat/vB above gate", req.FeerateSatVB))
		return
	}

	// Claim the hive-wide lock before touching funds.
	in, won := s.claimIntent(r.Context(), "channel_open", req.NodeID)
	if !won {
		writeErr(w, fmt.Errorf("peer %s holds the channel_open lock for %s: %w",
			s.intents.Holder("channel_open", req.NodeID).Short(), req.NodeID, hive.ErrAuthorization))
		return
	}
	res, err := s.opener.Open(r.Context(), req.NodeID, req.AmountSats, feerateString(req.FeerateSatVB), req.Announce)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"funding_type":      res.FundingType,
		"channel_id":        res.ChannelID,
		"txid":              res.TxID,
		"intent_request_id": in.RequestID,
	})
}

// feerateString renders sat/vB in the node's perkb convention, "" for the
// node default.
func feerateString(satPerVB int) string {
	if satPerVB <= 0 {
		return ""
	}
	return strconv.Itoa(satPerVB*1000) + "perkb"
}
