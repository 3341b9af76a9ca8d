package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"        // postgres driver
	_ "modernc.org/sqlite"       // sqlite driver

	"github.com/lnhive/hived/internal/hive"
)

// Store wraps a database handle. It is safe for concurrent use; all writes
// run in short transactions and no transaction spans network I/O.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects using driver ("sqlite" or "postgres") and applies the
// schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var driverName string
	switch driver {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, hive.Validationf("unknown storage driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// Serialized access keeps sqlite's single-writer model honest.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, postgres: driver == "postgres"}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return s, nil
}

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

// q rebinds ? placeholders to $N for postgres.
func (s *Store) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Count returns the row count of table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if _, ok := tableCaps[table]; !ok {
		return 0, hive.Validationf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

// checkCap fails with hive.ErrCapacity when table is at its cap.
func (s *Store) checkCap(ctx context.Context, tx *sql.Tx, table string) error {
	cap, ok := tableCaps[table]
	if !ok {
		return hive.Validationf("unknown table %q", table)
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return fmt.Errorf("%v: %w", err, hive.ErrTransient)
	}
	if n >= cap {
		return hive.Capacityf(table, cap)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%v: %w", err, hive.ErrTransient)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ============================================================================
// IDEMPOTENCY INDEX
// ============================================================================

// MarkEvent records (kind, event_id). Returns false when the event was
// already present — the reliable message is a duplicate and must be
// acknowledged without reprocessing.
func (s *Store) MarkEvent(ctx context.Context, kind, eventID string) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO idempotency (kind, event_id, seen_at) VALUES (?, ?, ?)
			 ON CONFLICT (kind, event_id) DO NOTHING`),
			kind, eventID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// ============================================================================
// MEMBERS
// ============================================================================

// UpsertMember persists m on its peer_id natural key.
func (s *Store) UpsertMember(ctx context.Context, m *MemberRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE members SET tier=?, last_seen=?, uptime_pct=?, active=? WHERE peer_id=?`),
			m.Tier, m.LastSeen, m.UptimePct, m.Active, m.PeerID)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "members"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO members (peer_id, tier, joined_at, last_seen, uptime_pct, active)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			m.PeerID, m.Tier, m.JoinedAt, m.LastSeen, m.UptimePct, m.Active)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// ListMembers returns all persisted members.
func (s *Store) ListMembers(ctx context.Context) ([]MemberRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_id, tier, joined_at, last_seen, uptime_pct, active FROM members ORDER BY peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemberRow
	for rows.Next() {
		var m MemberRow
		if err := rows.Scan(&m.PeerID, &m.Tier, &m.JoinedAt, &m.LastSeen, &m.UptimePct, &m.Active); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ============================================================================
// FEE REPORTS
// ============================================================================

// UpsertFeeReport stores the latest report for (period, peer).
func (s *Store) UpsertFeeReport(ctx context.Context, r *FeeReportRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE fee_reports SET fees_earned_sats=?, rebalance_costs_sats=?, capacity_sats=?,
				forward_count=?, uptime_pct=?, reported_at=?
			 WHERE period=? AND peer_id=?`),
			r.FeesEarnedSats, r.RebalanceCostsSats, r.CapacitySats,
			r.ForwardCount, r.UptimePct, r.ReportedAt, r.Period, r.PeerID)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "fee_reports"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO fee_reports (period, peer_id, fees_earned_sats, rebalance_costs_sats,
				capacity_sats, forward_count, uptime_pct, reported_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			r.Period, r.PeerID, r.FeesEarnedSats, r.RebalanceCostsSats,
			r.CapacitySats, r.ForwardCount, r.UptimePct, r.ReportedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// FeeReportsForPeriod returns the persisted reports for period, sorted by
// peer_id.
func (s *Store) FeeReportsForPeriod(ctx context.Context, period string) ([]FeeReportRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT period, peer_id, fees_earned_sats, rebalance_costs_sats, capacity_sats,
			forward_count, uptime_pct, reported_at
		 FROM fee_reports WHERE period=? ORDER BY peer_id`), period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeeReportRow
	for rows.Next() {
		var r FeeReportRow
		if err := rows.Scan(&r.Period, &r.PeerID, &r.FeesEarnedSats, &r.RebalanceCostsSats,
			&r.CapacitySats, &r.ForwardCount, &r.UptimePct, &r.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// DID CREDENTIALS
// ============================================================================

// InsertCredential stores a credential, enforcing both the global cap and
// the per-subject cap. Duplicate credential_ids are ignored (idempotent).
func (s *Store) InsertCredential(ctx context.Context, c *CredentialRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM did_credentials WHERE credential_id=?`), c.CredentialID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if exists > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "did_credentials"); err != nil {
			return err
		}
		var perSubject int
		err = tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM did_credentials WHERE subject_id=?`), c.SubjectID).Scan(&perSubject)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if perSubject >= CapCredentialsPerSubject {
			return hive.Capacityf("did_credentials(subject)", CapCredentialsPerSubject)
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO did_credentials (credential_id, issuer_id, subject_id, domain,
				period_start, period_end, metrics_json, outcome, evidence_json, signature,
				issued_at, expires_at, revoked_at, received_from)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.CredentialID, c.IssuerID, c.SubjectID, c.Domain,
			c.PeriodStart, c.PeriodEnd, c.MetricsJSON, c.Outcome, c.EvidenceJSON, c.Signature,
			c.IssuedAt, c.ExpiresAt, c.RevokedAt, c.ReceivedFrom)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// GetCredential fetches by id; sql.ErrNoRows when absent.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (*CredentialRow, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT credential_id, issuer_id, subject_id, domain, period_start, period_end,
			metrics_json, outcome, evidence_json, signature, issued_at, expires_at,
			revoked_at, received_from
		 FROM did_credentials WHERE credential_id=?`), credentialID)
	return scanCredential(row)
}

type rowScanner interface{ Scan(dest ...interface{}) error }

func scanCredential(row rowScanner) (*CredentialRow, error) {
	var c CredentialRow
	var receivedFrom sql.NullString
	if err := row.Scan(&c.CredentialID, &c.IssuerID, &c.SubjectID, &c.Domain,
		&c.PeriodStart, &c.PeriodEnd, &c.MetricsJSON, &c.Outcome, &c.EvidenceJSON,
		&c.Signature, &c.IssuedAt, &c.ExpiresAt, &c.RevokedAt, &receivedFrom); err != nil {
		return nil, err
	}
	c.ReceivedFrom = receivedFrom.String
	return &c, nil
}

// ActiveCredentials returns non-revoked credentials for subject, optionally
// filtered by domain. Expiry is filtered by the caller so "active at time T"
// stays a pure function.
func (s *Store) ActiveCredentials(ctx context.Context, subjectID, domain string) ([]CredentialRow, error) {
	query := `SELECT credential_id, issuer_id, subject_id, domain, period_start, period_end,
			metrics_json, outcome, evidence_json, signature, issued_at, expires_at,
			revoked_at, received_from
		 FROM did_credentials WHERE subject_id=? AND revoked_at IS NULL`
	args := []interface{}{subjectID}
	if domain != "" {
		query += ` AND domain=?`
		args = append(args, domain)
	}
	query += ` ORDER BY issued_at`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CredentialRow
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RevokeCredential sets revoked_at once; a second revocation is a no-op
// because revoked_at never clears.
func (s *Store) RevokeCredential(ctx context.Context, credentialID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE did_credentials SET revoked_at=? WHERE credential_id=? AND revoked_at IS NULL`),
		at, credentialID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, hive.ErrTransient)
	}
	return nil
}

// ============================================================================
// MANAGEMENT CREDENTIALS & RECEIPTS
// ============================================================================

// InsertMgmtCredential stores a management credential (frozen after
// issuance — there is deliberately no update path).
func (s *Store) InsertMgmtCredential(ctx context.Context, c *MgmtCredentialRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM mgmt_credentials WHERE credential_id=?`), c.CredentialID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if exists > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "mgmt_credentials"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO mgmt_credentials (credential_id, issuer_id, agent_id, node_id, tier,
				allowed_schemas, constraints_json, valid_from, valid_until, signature, revoked_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.CredentialID, c.IssuerID, c.AgentID, c.NodeID, c.Tier,
			c.AllowedSchemas, c.Constraints, c.ValidFrom, c.ValidUntil, c.Signature, c.RevokedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// GetMgmtCredential fetches by id.
func (s *Store) GetMgmtCredential(ctx context.Context, credentialID string) (*MgmtCredentialRow, error) {
	var c MgmtCredentialRow
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT credential_id, issuer_id, agent_id, node_id, tier, allowed_schemas,
			constraints_json, valid_from, valid_until, signature, revoked_at
		 FROM mgmt_credentials WHERE credential_id=?`), credentialID).
		Scan(&c.CredentialID, &c.IssuerID, &c.AgentID, &c.NodeID, &c.Tier, &c.AllowedSchemas,
			&c.Constraints, &c.ValidFrom, &c.ValidUntil, &c.Signature, &c.RevokedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RevokeMgmtCredential sets revoked_at once.
func (s *Store) RevokeMgmtCredential(ctx context.Context, credentialID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE mgmt_credentials SET revoked_at=? WHERE credential_id=? AND revoked_at IS NULL`),
		at, credentialID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, hive.ErrTransient)
	}
	return nil
}

// InsertReceipt stores an execution receipt. The caller has already
// resolved the credential; the store re-checks the reference so orphan
// receipts cannot land even on racy paths.
func (s *Store) InsertReceipt(ctx context.Context, r *ReceiptRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM mgmt_credentials WHERE credential_id=? AND revoked_at IS NULL`),
			r.CredentialID).Scan(&n)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n == 0 {
			return hive.Validationf("receipt references unknown or revoked credential %s", r.CredentialID)
		}
		if err := s.checkCap(ctx, tx, "mgmt_receipts"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO mgmt_receipts (receipt_id, credential_id, schema_id, action, params_json,
				danger_score, result_json, state_hash_before, state_hash_after, executed_at, signature)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (receipt_id) DO NOTHING`),
			r.ReceiptID, r.CredentialID, r.SchemaID, r.Action, r.ParamsJSON,
			r.DangerScore, r.ResultJSON, r.StateHashBefore, r.StateHashAfter, r.ExecutedAt, r.Signature)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// ListReceipts returns receipts for a credential, newest first.
func (s *Store) ListReceipts(ctx context.Context, credentialID string, limit int) ([]ReceiptRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT receipt_id, credential_id, schema_id, action, params_json, danger_score,
			result_json, state_hash_before, state_hash_after, executed_at, signature
		 FROM mgmt_receipts WHERE credential_id=? ORDER BY executed_at DESC LIMIT ?`),
		credentialID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceiptRow
	for rows.Next() {
		var r ReceiptRow
		var result, before, after sql.NullString
		if err := rows.Scan(&r.ReceiptID, &r.CredentialID, &r.SchemaID, &r.Action, &r.ParamsJSON,
			&r.DangerScore, &result, &before, &after, &r.ExecutedAt, &r.Signature); err != nil {
			return nil, err
		}
		r.ResultJSON, r.StateHashBefore, r.StateHashAfter = result.String, before.String, after.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// SETTLEMENT
// ============================================================================

// InsertProposal stores a proposal. Fails with ErrValidation when the
// period already has one.
func (s *Store) InsertProposal(ctx context.Context, p *ProposalRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(
			`SELECT COUNT(*) FROM settlement_proposals WHERE period=?`), p.Period).Scan(&n); err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n > 0 {
			return hive.Validationf("period %s already has a proposal", p.Period)
		}
		if err := s.checkCap(ctx, tx, "settlement_proposals"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO settlement_proposals (proposal_id, period, proposer_peer_id, data_hash,
				plan_hash, total_fees_sats, member_count, contributions_json, plan_json, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ProposalID, p.Period, p.ProposerPeerID, p.DataHash,
			p.PlanHash, p.TotalFeesSats, p.MemberCount, p.ContributionsJSON, p.PlanJSON, p.Status, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

func scanProposal(row rowScanner) (*ProposalRow, error) {
	var p ProposalRow
	if err := row.Scan(&p.ProposalID, &p.Period, &p.ProposerPeerID, &p.DataHash, &p.PlanHash,
		&p.TotalFeesSats, &p.MemberCount, &p.ContributionsJSON, &p.PlanJSON, &p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const proposalCols = `proposal_id, period, proposer_peer_id, data_hash, plan_hash,
	total_fees_sats, member_count, contributions_json, plan_json, status, created_at`

// GetProposal fetches by id.
func (s *Store) GetProposal(ctx context.Context, proposalID string) (*ProposalRow, error) {
	return scanProposal(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+proposalCols+` FROM settlement_proposals WHERE proposal_id=?`), proposalID))
}

// GetProposalByPeriod fetches the (unique) proposal for a period.
func (s *Store) GetProposalByPeriod(ctx context.Context, period string) (*ProposalRow, error) {
	return scanProposal(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+proposalCols+` FROM settlement_proposals WHERE period=?`), period))
}

// ListProposals returns settlement history, newest first.
func (s *Store) ListProposals(ctx context.Context, limit int) ([]ProposalRow, error) {
	if limit <= 0 {
		limit = 52
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+proposalCols+` FROM settlement_proposals ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProposalRow
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProposalStatus transitions a proposal.
func (s *Store) UpdateProposalStatus(ctx context.Context, proposalID, status string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE settlement_proposals SET status=? WHERE proposal_id=?`), status, proposalID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, hive.ErrTransient)
	}
	return nil
}

// InsertVote stores a vote; returns false for a duplicate (proposal, voter).
func (s *Store) InsertVote(ctx context.Context, v *VoteRow) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkCap(ctx, tx, "settlement_votes"); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO settlement_votes (proposal_id, voter_peer_id, data_hash, signature, voted_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (proposal_id, voter_peer_id) DO NOTHING`),
			v.ProposalID, v.VoterPeerID, v.DataHash, v.Signature, v.VotedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// CountVotes returns the number of votes on a proposal.
func (s *Store) CountVotes(ctx context.Context, proposalID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM settlement_votes WHERE proposal_id=?`), proposalID).Scan(&n)
	return n, err
}

// ListVotes returns the votes on a proposal sorted by voter.
func (s *Store) ListVotes(ctx context.Context, proposalID string) ([]VoteRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT proposal_id, voter_peer_id, data_hash, signature, voted_at
		 FROM settlement_votes WHERE proposal_id=? ORDER BY voter_peer_id`), proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoteRow
	for rows.Next() {
		var v VoteRow
		if err := rows.Scan(&v.ProposalID, &v.VoterPeerID, &v.DataHash, &v.Signature, &v.VotedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertExecution stores an execution message; returns false for a
// duplicate (proposal, executor).
func (s *Store) InsertExecution(ctx context.Context, e *ExecutionRow) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkCap(ctx, tx, "settlement_executions"); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO settlement_executions (proposal_id, executor_peer_id, plan_hash,
				amount_paid_sats, payment_hash, signature, executed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (proposal_id, executor_peer_id) DO NOTHING`),
			e.ProposalID, e.ExecutorPeerID, e.PlanHash, e.AmountPaidSats, e.PaymentHash,
			e.Signature, e.ExecutedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// ListExecutions returns executions for a proposal sorted by executor.
func (s *Store) ListExecutions(ctx context.Context, proposalID string) ([]ExecutionRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT proposal_id, executor_peer_id, plan_hash, amount_paid_sats, payment_hash,
			signature, executed_at
		 FROM settlement_executions WHERE proposal_id=? ORDER BY executor_peer_id`), proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRow
	for rows.Next() {
		var e ExecutionRow
		var ph sql.NullString
		if err := rows.Scan(&e.ProposalID, &e.ExecutorPeerID, &e.PlanHash, &e.AmountPaidSats,
			&ph, &e.Signature, &e.ExecutedAt); err != nil {
			return nil, err
		}
		e.PaymentHash = ph.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertSubPayment records the state of one planned transfer.
func (s *Store) UpsertSubPayment(ctx context.Context, sp *SubPaymentRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE settlement_subpayments SET amount_sats=?, payment_hash=?, status=?, updated_at=?
			 WHERE proposal_id=? AND from_peer=? AND to_peer=?`),
			sp.AmountSats, sp.PaymentHash, sp.Status, sp.UpdatedAt,
			sp.ProposalID, sp.FromPeer, sp.ToPeer)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "settlement_subpayments"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO settlement_subpayments (proposal_id, from_peer, to_peer, amount_sats,
				payment_hash, status, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			sp.ProposalID, sp.FromPeer, sp.ToPeer, sp.AmountSats,
			sp.PaymentHash, sp.Status, sp.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// GetSubPayment fetches a transfer record; sql.ErrNoRows when absent.
func (s *Store) GetSubPayment(ctx context.Context, proposalID, from, to string) (*SubPaymentRow, error) {
	var sp SubPaymentRow
	var ph sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT proposal_id, from_peer, to_peer, amount_sats, payment_hash, status, updated_at
		 FROM settlement_subpayments WHERE proposal_id=? AND from_peer=? AND to_peer=?`),
		proposalID, from, to).
		Scan(&sp.ProposalID, &sp.FromPeer, &sp.ToPeer, &sp.AmountSats, &ph, &sp.Status, &sp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sp.PaymentHash = ph.String
	return &sp, nil
}

// MarkPeriodSettled records the period as done; re-proposal is refused from
// then on.
func (s *Store) MarkPeriodSettled(ctx context.Context, period string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkCap(ctx, tx, "settled_periods"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO settled_periods (period, settled_at) VALUES (?, ?)
			 ON CONFLICT (period) DO NOTHING`), period, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// IsPeriodSettled reports whether period completed.
func (s *Store) IsPeriodSettled(ctx context.Context, period string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM settled_periods WHERE period=?`), period).Scan(&n)
	return n > 0, err
}

// ============================================================================
// BOLT12 OFFERS
// ============================================================================

// UpsertOffer registers the receiver offer for a peer.
func (s *Store) UpsertOffer(ctx context.Context, o *OfferRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE bolt12_offers SET bolt12=?, registered_at=? WHERE peer_id=?`),
			o.Bolt12, o.RegisteredAt, o.PeerID)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "bolt12_offers"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO bolt12_offers (peer_id, bolt12, registered_at) VALUES (?, ?, ?)`),
			o.PeerID, o.Bolt12, o.RegisteredAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// GetOffer fetches the registered offer for peer; "" when absent.
func (s *Store) GetOffer(ctx context.Context, peerID string) (string, error) {
	var bolt12 string
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT bolt12 FROM bolt12_offers WHERE peer_id=?`), peerID).Scan(&bolt12)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return bolt12, err
}

// ============================================================================
// REPUTATION AGGREGATE MIRROR
// ============================================================================

// UpsertAggregate persists a computed aggregate.
func (s *Store) UpsertAggregate(ctx context.Context, a *AggregateRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE reputation_aggregates SET score=?, tier=?, confidence=?, credential_count=?,
				issuer_count=?, components_json=?, computed_at=?
			 WHERE subject_id=? AND domain=?`),
			a.Score, a.Tier, a.Confidence, a.CredentialCount,
			a.IssuerCount, a.ComponentsJSON, a.ComputedAt, a.SubjectID, a.Domain)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if err := s.checkCap(ctx, tx, "reputation_aggregates"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO reputation_aggregates (subject_id, domain, score, tier, confidence,
				credential_count, issuer_count, components_json, computed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.SubjectID, a.Domain, a.Score, a.Tier, a.Confidence,
			a.CredentialCount, a.IssuerCount, a.ComponentsJSON, a.ComputedAt)
		if err != nil {
			return fmt.Errorf("%v: %w", err, hive.ErrTransient)
		}
		return nil
	})
}

// GetAggregate fetches the persisted aggregate; sql.ErrNoRows when absent.
func (s *Store) GetAggregate(ctx context.Context, subjectID, domain string) (*AggregateRow, error) {
	var a AggregateRow
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT subject_id, domain, score, tier, confidence, credential_count, issuer_count,
			components_json, computed_at
		 FROM reputation_aggregates WHERE subject_id=? AND domain=?`), subjectID, domain).
		Scan(&a.SubjectID, &a.Domain, &a.Score, &a.Tier, &a.Confidence, &a.CredentialCount,
			&a.IssuerCount, &a.ComponentsJSON, &a.ComputedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAggregate drops the persisted aggregate on invalidation.
func (s *Store) DeleteAggregate(ctx context.Context, subjectID, domain string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM reputation_aggregates WHERE subject_id=? AND domain=?`), subjectID, domain)
	return err
}
