// Package wire defines the typed peer message kinds, the signed envelope,
// the JSON/binary codec, and the canonical byte forms everything else hashes
// and signs. The canonicalization functions here are the single source of
// truth: a field not listed for a kind is not part of its signature.
package wire

import (
	"time"

	"github.com/lnhive/hived/internal/hive"
)

// Kind is the typed message kind enum.
type Kind string

const (
	KindHello             Kind = "hello"
	KindGossip            Kind = "gossip"
	KindStateHash         Kind = "state_hash"
	KindIntent            Kind = "intent"
	KindIntentAck         Kind = "intent_ack"
	KindFeeReport         Kind = "fee_report"
	KindFeeReportRequest  Kind = "fee_report_request"
	KindDIDPresent        Kind = "did_credential_present"
	KindDIDRevoke         Kind = "did_credential_revoke"
	KindMgmtPresent       Kind = "mgmt_credential_present"
	KindMgmtRevoke        Kind = "mgmt_credential_revoke"
	KindSettlementPropose Kind = "settlement_propose"
	KindSettlementReady   Kind = "settlement_ready"
	KindSettlementExecute Kind = "settlement_execute"
	KindPeerRepSnapshot   Kind = "peer_reputation_snapshot"
	KindBondPost          Kind = "bond_post"
	KindBondSlash         Kind = "bond_slash"
	KindNetting           Kind = "netting"
	KindViolationReport   Kind = "violation_report"
	KindArbitrationVote   Kind = "arbitration_vote"
	KindRelay             Kind = "relay"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindVersions[k]
	return ok
}

// kindVersions maps each kind to its current wire version.
var kindVersions = map[Kind]int{
	KindHello:             1,
	KindGossip:            1,
	KindStateHash:         1,
	KindIntent:            1,
	KindIntentAck:         1,
	KindFeeReport:         1,
	KindFeeReportRequest:  1,
	KindDIDPresent:        1,
	KindDIDRevoke:         1,
	KindMgmtPresent:       1,
	KindMgmtRevoke:        1,
	KindSettlementPropose: 2,
	KindSettlementReady:   2,
	KindSettlementExecute: 2,
	KindPeerRepSnapshot:   1,
	KindBondPost:          1,
	KindBondSlash:         1,
	KindNetting:           1,
	KindViolationReport:   1,
	KindArbitrationVote:   1,
	KindRelay:             1,
}

// Version returns the current version for k (0 for unknown kinds).
func (k Kind) Version() int { return kindVersions[k] }

// reliableEventFields lists, per reliable kind, the payload fields whose
// values identify the logical event for the idempotency index. A reliable
// message received twice derives the same event_id and is acknowledged
// without reprocessing.
var reliableEventFields = map[Kind][]string{
	KindDIDPresent:        {"credential_id"},
	KindDIDRevoke:         {"credential_id"},
	KindMgmtPresent:       {"credential_id"},
	KindMgmtRevoke:        {"credential_id"},
	KindSettlementPropose: {"proposal_id"},
	KindSettlementReady:   {"proposal_id", "voter_peer_id"},
	KindSettlementExecute: {"proposal_id", "executor_peer_id"},
	KindBondPost:          {"bond_id"},
	KindBondSlash:         {"bond_id", "slash_id"},
	KindNetting:           {"netting_id"},
	KindViolationReport:   {"report_id"},
	KindArbitrationVote:   {"case_id", "voter_peer_id"},
}

// Reliable reports whether k is tracked in the idempotency index.
func (k Kind) Reliable() bool {
	_, ok := reliableEventFields[k]
	return ok
}

// RelayMeta is carried alongside a payload while a message floods the hive.
// It is excluded from msg_id and from every signature.
type RelayMeta struct {
	TTL      int           `json:"ttl"`
	Path     []hive.PeerID `json:"path,omitempty"`
	Origin   hive.PeerID   `json:"origin,omitempty"`
	OriginTS int64         `json:"origin_ts,omitempty"`
}

// relayMetaKeys are stripped from a payload copy before msg_id hashing, so
// a message keeps a stable identity however many times it is relayed.
var relayMetaKeys = []string{"ttl", "path", "origin", "origin_ts"}

// Envelope is the signed peer-to-peer message unit.
type Envelope struct {
	Type      Kind                   `json:"type"`
	Version   int                    `json:"version"`
	Payload   map[string]interface{} `json:"payload"`
	Sender    hive.PeerID            `json:"sender"`
	Signature string                 `json:"signature"`
	Relay     *RelayMeta             `json:"relay,omitempty"`
}

// NewEnvelope builds an unsigned envelope at the kind's current version.
func NewEnvelope(kind Kind, sender hive.PeerID, payload map[string]interface{}) *Envelope {
	return &Envelope{
		Type:    kind,
		Version: kind.Version(),
		Payload: payload,
		Sender:  sender,
	}
}

// WithRelay attaches relay metadata for flooding.
func (e *Envelope) WithRelay(ttl int, origin hive.PeerID) *Envelope {
	e.Relay = &RelayMeta{TTL: ttl, Origin: origin, OriginTS: time.Now().Unix()}
	return e
}
