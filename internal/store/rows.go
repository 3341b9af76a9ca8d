// Package store is the persistence adapter: a transactional row store over
// database/sql with hard row caps, natural-key upserts, and the idempotency
// index used by reliable message ingestion. SQLite is the default backend;
// postgres is supported through the same SQL with rebound placeholders.
package store

import (
	"time"
)

// MemberRow mirrors the members table.
type MemberRow struct {
	PeerID    string
	Tier      string
	JoinedAt  time.Time
	LastSeen  time.Time
	UptimePct float64
	Active    bool
}

// FeeReportRow mirrors the fee_reports table: the authoritative stream
// settlement contributions are computed from.
type FeeReportRow struct {
	Period             string
	PeerID             string
	FeesEarnedSats     int64
	RebalanceCostsSats int64
	CapacitySats       int64
	ForwardCount       int64
	UptimePct          int // integer percent 0..100
	ReportedAt         time.Time
}

// CredentialRow mirrors the did_credentials table.
type CredentialRow struct {
	CredentialID string
	IssuerID     string
	SubjectID    string
	Domain       string
	PeriodStart  int64
	PeriodEnd    int64
	MetricsJSON  string
	Outcome      string
	EvidenceJSON string
	Signature    string
	IssuedAt     time.Time
	ExpiresAt    *time.Time
	RevokedAt    *time.Time
	ReceivedFrom string
}

// MgmtCredentialRow mirrors the mgmt_credentials table.
type MgmtCredentialRow struct {
	CredentialID   string
	IssuerID       string
	AgentID        string
	NodeID         string
	Tier           string
	AllowedSchemas string // JSON array of patterns
	Constraints    string // advisory JSON blob
	ValidFrom      time.Time
	ValidUntil     time.Time
	Signature      string
	RevokedAt      *time.Time
}

// ReceiptRow mirrors the mgmt_receipts table.
type ReceiptRow struct {
	ReceiptID       string
	CredentialID    string
	SchemaID        string
	Action          string
	ParamsJSON      string
	DangerScore     int
	ResultJSON      string
	StateHashBefore string
	StateHashAfter  string
	ExecutedAt      time.Time
	Signature       string
}

// ProposalRow mirrors the settlement_proposals table. ContributionsJSON is
// the canonical snapshot the proposal was computed from; it is kept for
// re-broadcast and validation.
type ProposalRow struct {
	ProposalID        string
	Period            string
	ProposerPeerID    string
	DataHash          string
	PlanHash          string
	TotalFeesSats     int64
	MemberCount       int
	ContributionsJSON string
	PlanJSON          string
	Status            string
	CreatedAt         time.Time
}

// VoteRow mirrors the settlement_votes table. One row per (proposal, voter).
type VoteRow struct {
	ProposalID  string
	VoterPeerID string
	DataHash    string
	Signature   string
	VotedAt     time.Time
}

// ExecutionRow mirrors the settlement_executions table. One row per
// (proposal, executor).
type ExecutionRow struct {
	ProposalID     string
	ExecutorPeerID string
	PlanHash       string
	AmountPaidSats int64
	PaymentHash    string
	Signature      string
	ExecutedAt     time.Time
}

// SubPaymentRow mirrors settlement_subpayments: the crash-safe record of a
// single planned transfer.
type SubPaymentRow struct {
	ProposalID  string
	FromPeer    string
	ToPeer      string
	AmountSats  int64
	PaymentHash string
	Status      string // pending | completed | failed
	UpdatedAt   time.Time
}

// OfferRow mirrors the bolt12_offers table.
type OfferRow struct {
	PeerID       string
	Bolt12       string
	RegisteredAt time.Time
}

/// AggregateRow mirrors the reputation_aggregates table: the persisted
// mirror of the in-memory aggregation cache.
type AggregateRow struct {
	SubjectID       string
	Domain          string
	Score           int
	Tier            string
	Confidence      string
	CredentialCount int
	IssuerCount     int
	ComponentsJSON  string
	ComputedAt      time.Time
}

// Sub-payment statuses.
const (
	SubPaymentPending   = "pending"
	SubPaymentCompleted = "completed"
	SubPaymentFailed    = "failed"
)
