package wire

import (
	"sort"

	"github.com/lnhive/hived/internal/hive"
)

// envelopeSignedFields lists, per kind, the payload fields covered by the
// envelope signature. The signing payload is the canonical JSON of
// {"type", "sender"} plus exactly these fields; everything else — relay
// metadata, transport framing, display fields — is excluded.
var envelopeSignedFields = map[Kind][]string{
	KindHello:             {"alias", "capabilities", "timestamp"},
	KindGossip:            {"state_hash", "capacity_sats", "forward_count", "fees_earned_sats", "rebalance_costs_sats", "timestamp"},
	KindStateHash:         {"state_hash", "timestamp"},
	KindIntent:            {"request_id", "kind", "target", "deadline"},
	KindIntentAck:         {"request_id", "kind", "target", "owner_peer_id"},
	KindFeeReport:         {"period", "fees_earned_sats", "rebalance_costs_sats", "capacity_sats", "forward_count", "uptime_pct", "timestamp"},
	KindFeeReportRequest:  {"period", "timestamp"},
	KindDIDPresent:        {"credential_id", "issuer_id", "subject_id", "domain", "signature"},
	KindDIDRevoke:         {"credential_id", "issuer_id", "reason", "signature"},
	KindMgmtPresent:       {"credential_id", "issuer_id", "agent_id", "node_id", "signature"},
	KindMgmtRevoke:        {"credential_id", "issuer_id", "reason", "signature"},
	KindSettlementPropose: {"proposal_id", "period", "proposer_peer_id", "data_hash", "plan_hash", "total_fees_sats", "member_count"},
	KindSettlementReady:   {"proposal_id", "voter_peer_id", "data_hash", "timestamp"},
	KindSettlementExecute: {"proposal_id", "executor_peer_id", "plan_hash", "total_sent_sats", "timestamp"},
	KindPeerRepSnapshot:   {"subject_id", "domain", "score", "tier", "computed_at"},
	KindBondPost:          {"bond_id", "amount_sats", "purpose", "timestamp"},
	KindBondSlash:         {"bond_id", "slash_id", "amount_sats", "reason", "timestamp"},
	KindNetting:           {"netting_id", "period", "entries_hash", "timestamp"},
	KindViolationReport:   {"report_id", "subject_id", "violation", "evidence_hash", "timestamp"},
	KindArbitrationVote:   {"case_id", "voter_peer_id", "verdict", "timestamp"},
	KindRelay:             {"msg_id"},
}

// EnvelopeSigningPayload produces the exact bytes the sender signs for e.
// Listed fields that are absent from the payload are simply omitted, so
// optional fields stay optional without breaking byte-compatibility.
func EnvelopeSigningPayload(e *Envelope) ([]byte, error) {
	fields, ok := envelopeSignedFields[e.Type]
	if !ok {
		return nil, hive.Validationf("no signing profile for kind %q", e.Type)
	}
	m := map[string]interface{}{
		"type":   string(e.Type),
		"sender": string(e.Sender),
	}
	for _, f := range fields {
		if v, present := e.Payload[f]; present {
			m[f] = v
		}
	}
	return CanonicalJSON(m)
}

// ============================================================================
// DOMAIN SIGNING PAYLOADS
// ============================================================================
// These are signatures embedded inside payloads (credential signatures by
// their issuer, votes by their voter) as opposed to the outer envelope
// signature by whoever transmitted the message.

// CredentialSigningPayload is the canonical byte form a reputation
// credential issuer signs.
func CredentialSigningPayload(issuer, subject hive.PeerID, domain string, periodStart, periodEnd int64, metrics map[string]float64, outcome string) ([]byte, error) {
	return CanonicalJSON(map[string]interface{}{
		"issuer_id":    string(issuer),
		"subject_id":   string(subject),
		"domain":       domain,
		"period_start": periodStart,
		"period_end":   periodEnd,
		"metrics":      metrics,
		"outcome":      outcome,
	})
}

// RevocationSigningPayload is signed by the original issuer to revoke a
// credential.
func RevocationSigningPayload(credentialID, reason string) ([]byte, error) {
	return CanonicalJSON(map[string]interface{}{
		"credential_id": credentialID,
		"action":        "revoke",
		"reason":        reason,
	})
}

// MgmtCredentialSigningPayload is signed by the operator issuing a
// management credential. allowed_schemas is sorted so permutations of the
// grant list sign identically.
func MgmtCredentialSigningPayload(credentialID string, issuer hive.PeerID, agentID string, nodeID hive.PeerID, tier string, allowedSchemas []string, validFrom, validUntil int64) ([]byte, error) {
	sorted := append([]string(nil), allowedSchemas...)
	sort.Strings(sorted)
	return CanonicalJSON(map[string]interface{}{
		"credential_id":   credentialID,
		"issuer_id":       string(issuer),
		"agent_id":        agentID,
		"node_id":         string(nodeID),
		"tier":            tier,
		"allowed_schemas": sorted,
		"valid_from":      validFrom,
		"valid_until":     validUntil,
	})
}

// ReceiptSigningPayload is signed by the executor of a management action.
func ReceiptSigningPayload(receiptID, credentialID, schemaID, action string, params map[string]interface{}, dangerScore int, executedAt int64) ([]byte, error) {
	return CanonicalJSON(map[string]interface{}{
		"receipt_id":    receiptID,
		"credential_id": credentialID,
		"schema_id":     schemaID,
		"action":        action,
		"params":        params,
		"danger_score":  dangerScore,
		"executed_at":   executedAt,
	})
}

// VoteSigningPayload is signed by a settlement-ready voter.
func VoteSigningPayload(proposalID string, voter hive.PeerID, dataHash string, timestamp int64) ([]byte, error) {
	return CanonicalJSON(map[string]interface{}{
		"proposal_id":   proposalID,
		"voter_peer_id": string(voter),
		"data_hash":     dataHash,
		"timestamp":     timestamp,
	})
}

// ExecutionSigningPayload is signed by a settlement executor after all of
// its sub-payments complete.
func ExecutionSigningPayload(proposalID string, executor hive.PeerID, planHash string, totalSentSats int64, timestamp int64) ([]byte, error) {
	return CanonicalJSON(map[string]interface{}{
		"proposal_id":      proposalID,
		"executor_peer_id": string(executor),
		"plan_hash":        planHash,
		"total_sent_sats":  totalSentSats,
		"timestamp":        timestamp,
	})
}
