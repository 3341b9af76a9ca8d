package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/wire"
)

// recencyLambda gives credential weight a ~69-day half-life.
const recencyLambda = 0.01

// Credential is the full in-process credential record.
type Credential struct {
	CredentialID string             `json:"credential_id"`
	IssuerID     hive.PeerID        `json:"issuer_id"`
	SubjectID    hive.PeerID        `json:"subject_id"`
	Domain       string             `json:"domain"`
	PeriodStart  int64              `json:"period_start"`
	PeriodEnd    int64              `json:"period_end"`
	Metrics      map[string]float64 `json:"metrics"`
	Outcome      string             `json:"outcome"`
	Evidence     []string           `json:"evidence,omitempty"`
	Signature    string             `json:"signature"`
	IssuedAt     time.Time          `json:"issued_at"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	RevokedAt    *time.Time         `json:"revoked_at,omitempty"`
}

// MemberDirectory answers membership questions for issuer weighting.
type MemberDirectory interface {
	IsMember(hive.PeerID) bool
}

// Manager issues, verifies, revokes, and aggregates reputation credentials.
type Manager struct {
	self    hive.PeerID
	signer  identity.Signer
	st      *store.Store
	members MemberDirectory
	cache   *Cache
	log     *slog.Logger
	now     func() time.Time
}

// NewManager wires the credential subsystem.
func NewManager(self hive.PeerID, signer identity.Signer, st *store.Store, members MemberDirectory, cache *Cache, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		self:    self,
		signer:  signer,
		st:      st,
		members: members,
		cache:   cache,
		log:     log.With("component", "reputation"),
		now:     time.Now,
	}
}

// IssueParams carries the optional parts of an issuance.
type IssueParams struct {
	Evidence    []string
	PeriodStart int64
	PeriodEnd   int64
	ExpiresAt   *time.Time
}

// Issue creates, signs, and persists a credential about subject.
func (m *Manager) Issue(ctx context.Context, subject hive.PeerID, domain string, metrics map[string]float64, outcome string, params IssueParams) (*Credential, error) {
	if subject == m.self {
		return nil, hive.Validationf("cannot issue credential about self")
	}
	profile, ok := ProfileFor(domain)
	if !ok {
		return nil, hive.Validationf("unknown domain %s", domain)
	}
	if !ValidOutcome(outcome) {
		return nil, hive.Validationf("unknown outcome %s", outcome)
	}
	if err := profile.Validate(metrics); err != nil {
		return nil, err
	}

	now := m.now()
	periodStart, periodEnd := params.PeriodStart, params.PeriodEnd
	if periodStart == 0 && periodEnd == 0 {
		periodEnd = now.Unix()
		periodStart = now.AddDate(0, 0, -7).Unix()
	}
	if periodEnd <= periodStart {
		return nil, hive.Validationf("period_end %d must be after period_start %d", periodEnd, periodStart)
	}

	payload, err := wire.CredentialSigningPayload(m.self, subject, domain, periodStart, periodEnd, metrics, outcome)
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

	cred := &Credential{
		CredentialID: uuid.NewString(),
		IssuerID:     m.self,
		SubjectID:    subject,
		Domain:       domain,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Metrics:      metrics,
		Outcome:      outcome,
		Evidence:     params.Evidence,
		Signature:    sig,
		IssuedAt:     now,
		ExpiresAt:    params.ExpiresAt,
	}
	if err := m.persist(ctx, cred, ""); err != nil {
		return nil, err
	}
	m.cache.Invalidate(ctx, subject, domain)
	m.log.Info("credential issued", "subject", subject.Short(), "domain", domain, "outcome", outcome)
	return cred, nil
}

// Verify checks an incoming credential end to end. Fail-closed: any doubt
// rejects.
func (m *Manager) Verify(ctx context.Context, cred *Credential) error {
	if cred.IssuerID == cred.SubjectID {
		return hive.Validationf("self-issued credential")
	}
	profile, ok := ProfileFor(cred.Domain)
	if !ok {
		return hive.Validationf("unknown domain %s", cred.Domain)
	}
	if !ValidOutcome(cred.Outcome) {
		return hive.Validationf("unknown outcome %s", cred.Outcome)
	}
	if cred.PeriodEnd <= cred.PeriodStart {
		return hive.Validationf("period_end %d must be after period_start %d", cred.PeriodEnd, cred.PeriodStart)
	}
	if err := profile.Validate(cred.Metrics); err != nil {
		return err
	}
	if cred.ExpiresAt != nil && cred.ExpiresAt.Before(m.now()) {
		return hive.Validationf("credential expired")
	}
	if cred.RevokedAt != nil {
		return hive.Validationf("credential revoked")
	}

	payload, err := wire.CredentialSigningPayload(cred.IssuerID, cred.SubjectID,
		cred.Domain, cred.PeriodStart, cred.PeriodEnd, cred.Metrics, cred.Outcome)
	if err != nil {
		return err
	}
	ok, err = m.signer.Verify(ctx, payload, cred.Signature, cred.IssuerID)
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	if !ok {
		return fmt.Errorf("credential signature does not recover issuer: %w", hive.ErrSignature)
	}
	return nil
}

// Accept verifies and persists an incoming credential received from a peer.
func (m *Manager) Accept(ctx context.Context, cred *Credential, receivedFrom hive.PeerID) error {
	if err := m.Verify(ctx, cred); err != nil {
		return err
	}
	if err := m.persist(ctx, cred, receivedFrom); err != nil {
		return err
	}
	m.cache.Invalidate(ctx, cred.SubjectID, cred.Domain)
	return nil
}

// Revoke revokes a credential this node issued and returns the signed
// revocation payload fields for broadcast.
func (m *Manager) Revoke(ctx context.Context, credentialID, reason string) (signature string, err error) {
	row, err := m.st.GetCredential(ctx, credentialID)
	if err != nil {
		return "", hive.Validationf("unknown credential %s", credentialID)
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

	if err := m.st.RevokeCredential(ctx, credentialID, m.now()); err != nil {
		return "", err
	}
	m.cache.Invalidate(ctx, hive.PeerID(row.SubjectID), row.Domain)
	m.log.Info("credential revoked", "credential", credentialID, "reason", reason)
	return sig, nil
}

// AcceptRevocation verifies and applies an incoming revocation.
func (m *Manager) AcceptRevocation(ctx context.Context, credentialID, reason, signature string, claimed hive.PeerID) error {
	row, err := m.st.GetCredential(ctx, credentialID)
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

	if err := m.st.RevokeCredential(ctx, credentialID, m.now()); err != nil {
		return err
	}
	m.cache.Invalidate(ctx, hive.PeerID(row.SubjectID), row.Domain)
	return nil
}

// ============================================================================
// AGGREGATION
// ============================================================================

// Aggregate computes (or returns cached) reputation for subject. An empty
// domain aggregates across all domains.
func (m *Manager) Aggregate(ctx context.Context, subject hive.PeerID, domain string) (*Aggregate, error) {
	if agg := m.cache.Get(ctx, subject, domain); agg != nil {
		return agg, nil
	}

	rows, err := m.st.ActiveCredentials(ctx, string(subject), domain)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var creds []Credential
	for i := range rows {
		c, err := rowToCredential(&rows[i])
		if err != nil {
			m.log.Warn("skipping malformed credential row", "credential", rows[i].CredentialID, "error", err)
			continue
		}
		if c.ExpiresAt != nil && c.ExpiresAt.Before(now) {
			continue
		}
		creds = append(creds, *c)
	}

	agg := m.aggregate(subject, domain, creds, now)
	m.cache.Put(ctx, agg)
	return agg, nil
}

func (m *Manager) aggregate(subject hive.PeerID, domain string, creds []Credential, now time.Time) *Aggregate {
	agg := &Aggregate{
		SubjectID:       subject,
		Domain:          domain,
		Tier:            TierNewcomer,
		Confidence:      ConfidenceLow,
		CredentialCount: len(creds),
		ComputedAt:      now,
	}
	if len(creds) == 0 {
		return agg
	}

	issuers := make(map[hive.PeerID]bool)
	domainWeighted := make(map[string]float64)
	domainWeights := make(map[string]float64)
	var weighted, weights float64

	subjectIsMember := m.members != nil && m.members.IsMember(subject)
	for i := range creds {
		c := &creds[i]
		issuers[c.IssuerID] = true

		w := m.issuerWeight(c.IssuerID, subjectIsMember) *
			recency(now.Sub(c.IssuedAt)) *
			evidenceStrength(len(c.Evidence))
		s := credentialScore(c)

		weighted += w * s
		weights += w
		domainWeighted[c.Domain] += w * s
		domainWeights[c.Domain] += w
	}
	agg.IssuerCount = len(issuers)

	if weights > 0 {
		agg.Score = clampScore(math.Round(weighted / weights))
	}
	agg.Tier = tierFor(agg.Score)
	agg.Confidence = confidenceFor(agg.IssuerCount, agg.CredentialCount)
	// Senior standing requires high confidence; a thin credential set tops
	// out at trusted no matter the score.
	if agg.Tier == TierSenior && agg.Confidence != ConfidenceHigh {
		agg.Tier = TierTrusted
	}

	agg.Components = make(map[string]int, len(domainWeighted))
	domains := make([]string, 0, len(domainWeighted))
	for d := range domainWeighted {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		agg.Components[d] = clampScore(math.Round(domainWeighted[d] / domainWeights[d]))
	}
	return agg
}

func (m *Manager) issuerWeight(issuer hive.PeerID, subjectIsMember bool) float64 {
	issuerIsMember := m.members != nil && m.members.IsMember(issuer)
	switch {
	case issuerIsMember && subjectIsMember:
		return 2.0
	case issuerIsMember:
		return 1.5
	default:
		return 1.0
	}
}

func recency(age time.Duration) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-recencyLambda * days)
}

func evidenceStrength(refs int) float64 {
	switch {
	case refs >= 5:
		return 1.0
	case refs >= 1:
		return 0.7
	default:
		return 0.3
	}
}

// credentialScore normalizes the required metrics to [0,1], averages them,
// scales to 100, and applies the outcome modifier.
func credentialScore(c *Credential) float64 {
	profile, ok := ProfileFor(c.Domain)
	if !ok || len(profile.Required) == 0 {
		return 0
	}
	var sum float64
	for name, r := range profile.Required {
		sum += r.normalize(c.Metrics[name])
	}
	score := sum / float64(len(profile.Required)) * 100

	switch c.Outcome {
	case OutcomeRenew:
		score = math.Min(score*1.1, 100)
	case OutcomeRevoke:
		score *= 0.7
	}
	return score
}

func clampScore(s float64) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return int(s)
}

func tierFor(score int) string {
	switch {
	case score <= 59:
		return TierNewcomer
	case score <= 74:
		return TierRecognized
	case score <= 84:
		return TierTrusted
	default:
		return TierSenior
	}
}

func confidenceFor(issuers, creds int) string {
	switch {
	case issuers >= 5 && creds >= 10:
		return ConfidenceHigh
	case issuers >= 2 && creds >= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ============================================================================
// ROW CONVERSION
// ============================================================================

func (m *Manager) persist(ctx context.Context, c *Credential, receivedFrom hive.PeerID) error {
	metrics, err := json.Marshal(c.Metrics)
	if err != nil {
		return err
	}
	evidence := []byte("[]")
	if len(c.Evidence) > 0 {
		evidence, err = json.Marshal(c.Evidence)
		if err != nil {
			return err
		}
	}
	return m.st.InsertCredential(ctx, &store.CredentialRow{
		CredentialID: c.CredentialID,
		IssuerID:     string(c.IssuerID),
		SubjectID:    string(c.SubjectID),
		Domain:       c.Domain,
		PeriodStart:  c.PeriodStart,
		PeriodEnd:    c.PeriodEnd,
		MetricsJSON:  string(metrics),
		Outcome:      c.Outcome,
		EvidenceJSON: string(evidence),
		Signature:    c.Signature,
		IssuedAt:     c.IssuedAt,
		ExpiresAt:    c.ExpiresAt,
		RevokedAt:    c.RevokedAt,
		ReceivedFrom: string(receivedFrom),
	})
}

func rowToCredential(r *store.CredentialRow) (*Credential, error) {
	c := &Credential{
		CredentialID: r.CredentialID,
		IssuerID:     hive.PeerID(r.IssuerID),
		SubjectID:    hive.PeerID(r.SubjectID),
		Domain:       r.Domain,
		PeriodStart:  r.PeriodStart,
		PeriodEnd:    r.PeriodEnd,
		Outcome:      r.Outcome,
		Signature:    r.Signature,
		IssuedAt:     r.IssuedAt,
		ExpiresAt:    r.ExpiresAt,
		RevokedAt:    r.RevokedAt,
	}
	if err := json.Unmarshal([]byte(r.MetricsJSON), &c.Metrics); err != nil {
		return nil, err
	}
	if r.EvidenceJSON != "" {
		if err := json.Unmarshal([]byte(r.EvidenceJSON), &c.Evidence); err != nil {
			return nil, err
		}
	}
	return c, nil
}
