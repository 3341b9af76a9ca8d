package store

// Row caps, enforced before every insert. Inserting over a cap returns
// hive.ErrCapacity; there is no implicit eviction.
const (
	CapCredentialsPerSubject = 100
	CapCredentialsTotal      = 50_000
	CapMgmtCredentials       = 1_000
	CapMgmtReceipts          = 100_000

	CapMembers        = 1_000
	CapFeeReports     = 500_000
	CapProposals      = 10_000
	CapVotes          = 100_000
	CapExecutions     = 100_000
	CapSubPayments    = 100_000
	CapOffers         = 1_000
	CapIdempotency    = 1_000_000
	CapAggregates     = 50_000
	CapSettledPeriods = 10_000
)

// tableCaps drives the generic cap check.
var tableCaps = map[string]int{
	"members":                 CapMembers,
	"fee_reports":             CapFeeReports,
	"did_credentials":         CapCredentialsTotal,
	"mgmt_credentials":        CapMgmtCredentials,
	"mgmt_receipts":           CapMgmtReceipts,
	"settlement_proposals":    CapProposals,
	"settlement_votes":        CapVotes,
	"settlement_executions":   CapExecutions,
	"settlement_subpayments":  CapSubPayments,
	"bolt12_offers":           CapOffers,
	"idempotency":             CapIdempotency,
	"reputation_aggregates":   CapAggregates,
	"settled_periods":         CapSettledPeriods,
}

// schema is portable between sqlite and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		peer_id     TEXT PRIMARY KEY,
		tier        TEXT NOT NULL,
		joined_at   TIMESTAMP NOT NULL,
		last_seen   TIMESTAMP NOT NULL,
		uptime_pct  REAL NOT NULL DEFAULT 1.0,
		active      BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS fee_reports (
		period                TEXT NOT NULL,
		peer_id               TEXT NOT NULL,
		fees_earned_sats      BIGINT NOT NULL,
		rebalance_costs_sats  BIGINT NOT NULL,
		capacity_sats         BIGINT NOT NULL,
		forward_count         BIGINT NOT NULL,
		uptime_pct            INTEGER NOT NULL,
		reported_at           TIMESTAMP NOT NULL,
		PRIMARY KEY (period, peer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS did_credentials (
		credential_id  TEXT PRIMARY KEY,
		issuer_id      TEXT NOT NULL,
		subject_id     TEXT NOT NULL,
		domain         TEXT NOT NULL,
		period_start   BIGINT NOT NULL,
		period_end     BIGINT NOT NULL,
		metrics_json   TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		evidence_json  TEXT NOT NULL DEFAULT '[]',
		signature      TEXT NOT NULL,
		issued_at      TIMESTAMP NOT NULL,
		expires_at     TIMESTAMP,
		revoked_at     TIMESTAMP,
		received_from  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cred_subject_domain
		ON did_credentials (subject_id, domain)`,
	`CREATE TABLE IF NOT EXISTS mgmt_credentials (
		credential_id    TEXT PRIMARY KEY,
		issuer_id        TEXT NOT NULL,
		agent_id         TEXT NOT NULL,
		node_id          TEXT NOT NULL,
		tier             TEXT NOT NULL,
		allowed_schemas  TEXT NOT NULL,
		constraints_json TEXT NOT NULL DEFAULT '{}',
		valid_from       TIMESTAMP NOT NULL,
		valid_until      TIMESTAMP NOT NULL,
		signature        TEXT NOT NULL,
		revoked_at       TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS mgmt_receipts (
		receipt_id         TEXT PRIMARY KEY,
		credential_id      TEXT NOT NULL,
		schema_id          TEXT NOT NULL,
		action             TEXT NOT NULL,
		params_json        TEXT NOT NULL,
		danger_score       INTEGER NOT NULL,
		result_json        TEXT,
		state_hash_before  TEXT,
		state_hash_after   TEXT,
		executed_at        TIMESTAMP NOT NULL,
		signature          TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settlement_proposals (
		proposal_id         TEXT PRIMARY KEY,
		period              TEXT NOT NULL,
		proposer_peer_id    TEXT NOT NULL,
		data_hash           TEXT NOT NULL,
		plan_hash           TEXT NOT NULL,
		total_fees_sats     BIGINT NOT NULL,
		member_count        INTEGER NOT NULL,
		contributions_json  TEXT NOT NULL,
		plan_json           TEXT NOT NULL,
		status              TEXT NOT NULL,
		created_at          TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_proposal_period
		ON settlement_proposals (period)`,
	`CREATE TABLE IF NOT EXISTS settlement_votes (
		proposal_id    TEXT NOT NULL,
		voter_peer_id  TEXT NOT NULL,
		data_hash      TEXT NOT NULL,
		signature      TEXT NOT NULL,
		voted_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (proposal_id, voter_peer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS settlement_executions (
		proposal_id       TEXT NOT NULL,
		executor_peer_id  TEXT NOT NULL,
		plan_hash         TEXT NOT NULL,
		amount_paid_sats  BIGINT NOT NULL,
		payment_hash      TEXT,
		signature         TEXT NOT NULL,
		executed_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (proposal_id, executor_peer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS settlement_subpayments (
		proposal_id   TEXT NOT NULL,
		from_peer     TEXT NOT NULL,
		to_peer       TEXT NOT NULL,
		amount_sats   BIGINT NOT NULL,
		payment_hash  TEXT,
		status        TEXT NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (proposal_id, from_peer, to_peer)
	)`,
	`CREATE TABLE IF NOT EXISTS settled_periods (
		period      TEXT PRIMARY KEY,
		settled_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bolt12_offers (
		peer_id        TEXT PRIMARY KEY,
		bolt12         TEXT NOT NULL,
		registered_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency (
		kind      TEXT NOT NULL,
		event_id  TEXT NOT NULL,
		seen_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (kind, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reputation_aggregates (
		subject_id        TEXT NOT NULL,
		domain            TEXT NOT NULL,
		score             INTEGER NOT NULL,
		tier              TEXT NOT NULL,
		confidence        TEXT NOT NULL,
		credential_count  INTEGER NOT NULL,
		issuer_count      INTEGER NOT NULL,
		components_json   TEXT NOT NULL,
		computed_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (subject_id, domain)
	)`,
}
