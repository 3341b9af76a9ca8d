package management

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/wire"
)

// Per-peer rate limits for credential traffic. Exceeding a limit is a
// validation-class drop, not a ban.
const (
	credentialRate  = rate.Limit(10.0 / 60.0) // 10 per minute
	credentialBurst = 5
)

// maxValidity caps a credential's validity window at two years.
const maxValidity = 730 * 24 * time.Hour

// Credential authorizes an agent to execute schema actions against a node.
type Credential struct {
	CredentialID   string                 `json:"credential_id"`
	IssuerID       hive.PeerID            `json:"issuer_id"`
	AgentID        string                 `json:"agent_id"`
	NodeID         hive.PeerID            `json:"node_id"`
	Tier           Tier                   `json:"tier"`
	AllowedSchemas []string               `json:"allowed_schemas"`
	Constraints    map[string]interface{} `json:"constraints,omitempty"`
	ValidFrom      time.Time              `json:"valid_from"`
	ValidUntil     time.Time              `json:"valid_until"`
	Signature      string                 `json:"signature"`
	RevokedAt      *time.Time             `json:"revoked_at,omitempty"`
}

// Receipt is the signed record of one executed action.
type Receipt struct {
	ReceiptID       string                 `json:"receipt_id"`
	CredentialID    string                 `json:"credential_id"`
	SchemaID        string                 `json:"schema_id"`
	Action          string                 `json:"action"`
	Params          map[string]interface{} `json:"params"`
	DangerScore     int                    `json:"danger_score"`
	Result          interface{}            `json:"result,omitempty"`
	StateHashBefore string                 `json:"state_hash_before,omitempty"`
	StateHashAfter  string                 `json:"state_hash_after,omitempty"`
	ExecutedAt      time.Time              `json:"executed_at"`
	Signature       string                 `json:"signature"`
}

// ExecuteFunc performs the actual action and reports state fingerprints
// around it.
type ExecuteFunc func(ctx context.Context) (result interface{}, hashBefore, hashAfter string, err error)

// Manager verifies management credentials, answers authorization checks,
// and produces signed receipts for executed actions.
type Manager struct {
	self   hive.PeerID
	signer identity.Signer
	st     *store.Store
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[hive.PeerID]*rate.Limiter
}

// NewManager wires the management subsystem.
func NewManager(self hive.PeerID, signer identity.Signer, st *store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		self:     self,
		signer:   signer,
		st:       st,
		log:      log.With("component", "management"),
		now:      time.Now,
		limiters: make(map[hive.PeerID]*rate.Limiter),
	}
}

// Allow enforces the per-peer sliding window for credential traffic.
func (m *Manager) Allow(peer hive.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[peer]
	if !ok {
		l = rate.NewLimiter(credentialRate, credentialBurst)
		m.limiters[peer] = l
	}
	return l.Allow()
}

// MatchesPattern reports whether schemaID matches one allowed_schemas
// pattern: exact match, "*" (all), or "prefix/*" with a literal "/"
// boundary. "hive:fee-policy/*" matches "hive:fee-policy/set_single" but
// never "hive:fee-policy-extra/anything".
func MatchesPattern(pattern, schemaID string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(schemaID, prefix+"/")
	}
	return pattern == schemaID
}

// CheckAuthorization applies the full authorization chain for one action.
func (m *Manager) CheckAuthorization(cred *Credential, schemaID string) error {
	if cred.RevokedAt != nil {
		return fmt.Errorf("credential %s revoked: %w", cred.CredentialID, hive.ErrAuthorization)
	}
	now := m.now()
	if now.Before(cred.ValidFrom) || now.After(cred.ValidUntil) {
		return fmt.Errorf("credential %s outside validity window: %w", cred.CredentialID, hive.ErrAuthorization)
	}

	action, ok := LookupAction(schemaID)
	if !ok {
		return hive.Validationf("unknown schema %s", schemaID)
	}
	if cred.Tier.Rank() < action.RequiredTier.Rank() {
		return fmt.Errorf("tier %s below required %s for %s: %w",
			cred.Tier, action.RequiredTier, schemaID, hive.ErrAuthorization)
	}

	for _, pattern := range cred.AllowedSchemas {
		if MatchesPattern(pattern, schemaID) {
			return nil
		}
	}
	return fmt.Errorf("schema %s matches no grant: %w", schemaID, hive.ErrAuthorization)
}

// ValidateParams type-checks params against the action's schema. At danger
// >= 5 all declared parameters are required; below that presence is
// optional. Params are round-tripped through JSON so the validator sees
// standard decoded types.
func ValidateParams(schemaID string, params map[string]interface{}) error {
	action, ok := LookupAction(schemaID)
	if !ok {
		return hive.Validationf("unknown schema %s", schemaID)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return hive.Validationf("params not serializable: %v", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return hive.Validationf("params not decodable: %v", err)
	}
	if err := action.schema.Validate(decoded); err != nil {
		return hive.Validationf("params rejected for %s: %v", schemaID, err)
	}
	return nil
}

// ============================================================================
// CREDENTIAL VERIFICATION & STORAGE
// ============================================================================

// VerifyCredential is fail-closed: missing signature, unavailable adapter,
// and issuer mismatch all reject.
func (m *Manager) VerifyCredential(ctx context.Context, cred *Credential) error {
	if cred.Signature == "" {
		return fmt.Errorf("credential %s unsigned: %w", cred.CredentialID, hive.ErrSignature)
	}
	if cred.Tier.Rank() < 0 {
		return hive.Validationf("unknown tier %s", cred.Tier)
	}
	if !cred.ValidUntil.After(cred.ValidFrom) {
		return hive.Validationf("empty validity window")
	}
	if cred.ValidUntil.Sub(cred.ValidFrom) > maxValidity {
		return hive.Validationf("validity window exceeds %d days", int(maxValidity.Hours()/24))
	}

	payload, err := wire.MgmtCredentialSigningPayload(cred.CredentialID, cred.IssuerID,
		cred.AgentID, cred.NodeID, string(cred.Tier), cred.AllowedSchemas,
		cred.ValidFrom.Unix(), cred.ValidUntil.Unix())
	if err != nil {
		return err
	}
	ok, err := m.signer.Verify(ctx, payload, cred.Signature, cred.IssuerID)
	if err != nil {
		return fmt.Errorf("verify mgmt credential: %w", err)
	}
	if !ok {
		return fmt.Errorf("signature does not recover issuer %s: %w", cred.IssuerID.Short(), hive.ErrSignature)
	}
	return nil
}

// AcceptCredential rate-limits, verifies, and persists an incoming
// credential presented by peer.
func (m *Manager) AcceptCredential(ctx context.Context, cred *Credential, from hive.PeerID) error {
	if !m.Allow(from) {
		return hive.Validationf("credential traffic from %s rate-limited", from.Short())
	}
	if err := m.VerifyCredential(ctx, cred); err != nil {
		return err
	}
	return m.persist(ctx, cred)
}

// Issue creates and signs a credential granting agentID access to this node.
func (m *Manager) Issue(ctx context.Context, agentID string, tier Tier, allowedSchemas []string, validFor time.Duration, constraints map[string]interface{}) (*Credential, error) {
	if tier.Rank() < 0 {
		return nil, hive.Validationf("unknown tier %s", tier)
	}
	if len(allowedSchemas) == 0 {
		return nil, hive.Validationf("empty schema grant")
	}
	if validFor <= 0 || validFor > maxValidity {
		return nil, hive.Validationf("validity must be within (0, %d] days", int(maxValidity.Hours()/24))
	}
	now := m.now()
	cred := &Credential{
		CredentialID:   uuid.NewString(),
		IssuerID:       m.self,
		AgentID:        agentID,
		NodeID:         m.self,
		Tier:           tier,
		AllowedSchemas: allowedSchemas,
		Constraints:    constraints,
		ValidFrom:      now,
		ValidUntil:     now.Add(validFor),
	}

	payload, err := wire.MgmtCredentialSigningPayload(cred.CredentialID, cred.IssuerID,
		cred.AgentID, cred.NodeID, string(cred.Tier), cred.AllowedSchemas,
		cred.ValidFrom.Unix(), cred.ValidUntil.Unix())
	if err != nil {
		return nil, err
	}
	sig, err := m.signer.Sign(ctx, payload)
	if err != nil {
		return nil, err
	}
	if sig == "" {
		return nil, fmt.Errorf("signing adapter returned empty signature: %w", hive.ErrUnavailable)
	}
	cred.Signature = sig

	if err := m.persist(ctx, cred); err != nil {
		return nil, err
	}
	m.log.Info("management credential issued", "agent", agentID, "tier", tier)
	return cred, nil
}

// Revoke revokes a credential this node issued and returns the revocation
// signature for broadcast.
func (m *Manager) Revoke(ctx context.Context, credentialID, reason string) (string, error) {
	row, err := m.st.GetMgmtCredential(ctx, credentialID)
	if err != nil {
		return "", hive.Validationf("unknown management credential %s", credentialID)
	}
	if hive.PeerID(row.IssuerID) != m.self {
		return "", fmt.Errorf("only the issuer may revoke: %w", hive.ErrAuthorization)
	}

	payload, err := wire.RevocationSigningPayload(credentialID, reason)
	if err != nil {
		return "", err
	}
	sig, err := m.signer.Sign(ctx, payload)
	if err != nil {
		return "", err
	}
	if sig == "" {
		return "", fmt.Errorf("signing adapter returned empty signature: %w", hive.ErrUnavailable)
	}
	if err := m.st.RevokeMgmtCredential(ctx, credentialID, m.now()); err != nil {
		return "", err
	}
	m.log.Info("management credential revoked", "credential", credentialID, "reason", reason)
	return sig, nil
}

// AcceptRevocation verifies and applies an incoming revocation from peer.
func (m *Manager) AcceptRevocation(ctx context.Context, credentialID, reason, signature string, claimed hive.PeerID) error {
	if !m.Allow(claimed) {
		return hive.Validationf("credential traffic from %s rate-limited", claimed.Short())
	}
	row, err := m.st.GetMgmtCredential(ctx, credentialID)
	if err != nil {
		return hive.Validationf("revocation for unknown credential %s", credentialID)
	}
	if hive.PeerID(row.IssuerID) != claimed {
		return fmt.Errorf("revoker %s is not the issuer: %w", claimed.Short(), hive.ErrAuthorization)
	}

	payload, err := wire.RevocationSigningPayload(credentialID, reason)
	if err != nil {
		return err
	}
	ok, err := m.signer.Verify(ctx, payload, signature, claimed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("revocation signature does not recover issuer: %w", hive.ErrSignature)
	}
	return m.st.RevokeMgmtCredential(ctx, credentialID, m.now())
}

// ============================================================================
// EXECUTION & RECEIPTS
// ============================================================================

// Execute runs fn under the authorization of credentialID and produces a
// signed receipt. The receipt is persisted before being returned; storage
// rejects receipts referencing unknown or revoked credentials.
func (m *Manager) Execute(ctx context.Context, credentialID, schemaID string, params map[string]interface{}, fn ExecuteFunc) (*Receipt, error) {
	cred, err := m.Load(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if err := m.CheckAuthorization(cred, schemaID); err != nil {
		return nil, err
	}
	if err := ValidateParams(schemaID, params); err != nil {
		return nil, err
	}
	action, _ := LookupAction(schemaID)

	result, hashBefore, hashAfter, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		ReceiptID:       uuid.NewString(),
		CredentialID:    credentialID,
		SchemaID:        schemaID,
		Action:          action.Name,
		Params:          params,
		DangerScore:     action.Danger.Total(),
		Result:          result,
		StateHashBefore: hashBefore,
		StateHashAfter:  hashAfter,
		ExecutedAt:      m.now(),
	}

	payload, err := wire.ReceiptSigningPayload(receipt.ReceiptID, receipt.CredentialID,
		receipt.SchemaID, receipt.Action, receipt.Params, receipt.DangerScore, receipt.ExecutedAt.Unix())
	if err != nil {
		return nil, err
	}
	sig, err := m.signer.Sign(ctx, payload)
	if err != nil {
		return nil, err
	}
	if sig == "" {
		return nil, fmt.Errorf("signing adapter returned empty signature: %w", hive.ErrUnavailable)
	}
	receipt.Signature = sig

	if err := m.persistReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	m.log.Info("action executed", "schema", schemaID, "danger", receipt.DangerScore)
	return receipt, nil
}

// Load fetches a stored credential.
func (m *Manager) Load(ctx context.Context, credentialID string) (*Credential, error) {
	row, err := m.st.GetMgmtCredential(ctx, credentialID)
	if err != nil {
		return nil, hive.Validationf("unknown management credential %s", credentialID)
	}
	cred := &Credential{
		CredentialID: row.CredentialID,
		IssuerID:     hive.PeerID(row.IssuerID),
		AgentID:      row.AgentID,
		NodeID:       hive.PeerID(row.NodeID),
		Tier:         Tier(row.Tier),
		ValidFrom:    row.ValidFrom,
		ValidUntil:   row.ValidUntil,
		Signature:    row.Signature,
		RevokedAt:    row.RevokedAt,
	}
	if err := json.Unmarshal([]byte(row.AllowedSchemas), &cred.AllowedSchemas); err != nil {
		return nil, fmt.Errorf("corrupt schema grant for %s: %w", credentialID, hive.ErrFatal)
	}
	if row.Constraints != "" {
		if err := json.Unmarshal([]byte(row.Constraints), &cred.Constraints); err != nil {
			return nil, fmt.Errorf("corrupt constraints for %s: %w", credentialID, hive.ErrFatal)
		}
	}
	return cred, nil
}

func (m *Manager) persist(ctx context.Context, cred *Credential) error {
	schemas, err := json.Marshal(cred.AllowedSchemas)
	if err != nil {
		return err
	}
	constraints := []byte("{}")
	if cred.Constraints != nil {
		constraints, err = json.Marshal(cred.Constraints)
		if err != nil {
			return err
		}
	}
	return m.st.InsertMgmtCredential(ctx, &store.MgmtCredentialRow{
		CredentialID:   cred.CredentialID,
		IssuerID:       string(cred.IssuerID),
		AgentID:        cred.AgentID,
		NodeID:         string(cred.NodeID),
		Tier:           string(cred.Tier),
		AllowedSchemas: string(schemas),
		Constraints:    string(constraints),
		ValidFrom:      cred.ValidFrom,
		ValidUntil:     cred.ValidUntil,
		Signature:      cred.Signature,
		RevokedAt:      cred.RevokedAt,
	})
}

func (m *Manager) persistReceipt(ctx context.Context, r *Receipt) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return err
	}
	var result string
	if r.Result != nil {
		raw, err := json.Marshal(r.Result)
		if err != nil {
			return err
		}
		result = string(raw)
	}
	return m.st.InsertReceipt(ctx, &store.ReceiptRow{
		ReceiptID:       r.ReceiptID,
		CredentialID:    r.CredentialID,
		SchemaID:        r.SchemaID,
		Action:          r.Action,
		ParamsJSON:      string(params),
		DangerScore:     r.DangerScore,
		ResultJSON:      result,
		StateHashBefore: r.StateHashBefore,
		StateHashAfter:  r.StateHashAfter,
		ExecutedAt:      r.ExecutedAt,
		Signature:       r.Signature,
	})
}
