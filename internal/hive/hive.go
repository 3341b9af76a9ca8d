// Package hive holds the small set of types shared by every subsystem of the
// coordinator: peer identifiers, membership tiers, and the error taxonomy.
package hive

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PeerID is the hex-encoded compressed public key of a node. It doubles as
// the node's stable identity on the wire and as the deterministic tie-break
// key wherever the protocol needs one (lowest pubkey wins).
type PeerID string

// Less reports whether p orders before other. Peer IDs are fixed-length
// lowercase hex, so lexicographic order equals numeric order.
func (p PeerID) Less(other PeerID) bool {
	return strings.ToLower(string(p)) < strings.ToLower(string(other))
}

func (p PeerID) String() string { return string(p) }

// Short returns a truncated form for log lines.
func (p PeerID) Short() string {
	if len(p) <= 12 {
		return string(p)
	}
	return string(p[:12])
}

// MemberTier is the membership tier of a hive member.
type MemberTier string

const (
	TierNeophyte MemberTier = "neophyte"
	TierMember   MemberTier = "member"
	TierAdvanced MemberTier = "advanced"
	TierAdmin    MemberTier = "admin"
)

// Member is a row in the peer table. Created on a successful HELLO, mutated
// by liveness updates and credential acceptance, destroyed only by explicit
// eviction.
type Member struct {
	PeerID    PeerID     `json:"peer_id"`
	Tier      MemberTier `json:"tier"`
	JoinedAt  time.Time  `json:"joined_at"`
	LastSeen  time.Time  `json:"last_seen"`
	UptimePct float64    `json:"uptime_pct"` // [0,1]
	Active    bool       `json:"active"`
}

// PeerState is the best-effort in-memory snapshot of a peer's fee and
// forwarding counters. The persisted fee-report stream is authoritative for
// settlement; this cache only feeds gossip fingerprints and fallbacks.
type PeerState struct {
	PeerID          PeerID    `json:"peer_id"`
	CapacitySats    int64     `json:"capacity_sats"`
	ForwardCount    int64     `json:"forward_count"`
	FeesEarnedSats  int64     `json:"fees_earned_sats"`
	RebalanceCosts  int64     `json:"rebalance_costs_sats"`
	LastSnapshotTS  time.Time `json:"last_snapshot_ts"`
	ReputationTier  string    `json:"reputation_tier,omitempty"`
	NetworkPosition float64   `json:"network_position,omitempty"`
}

// Result is the uniform RPC response object. Protocol handlers and the
// command surface both speak it.
type Result struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// OKResult wraps a payload in a successful Result.
func OKResult(details interface{}) Result { return Result{OK: true, Details: details} }

// ErrResult wraps an error in a failed Result.
func ErrResult(err error) Result { return Result{OK: false, Error: err.Error()} }

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// The seven error kinds of the protocol. Handlers classify with errors.Is;
// wrapping is done with fmt.Errorf("...: %w", Err...).
var (
	// ErrCapacity: a row cap was exceeded. Surfaced to the caller, never
	// retried, never resolved by eviction.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrValidation: payload schema, profile, or range violation. The
	// message is dropped and logged at warn.
	ErrValidation = errors.New("validation failed")

	// ErrSignature: missing, malformed, or pubkey-mismatched signature.
	// Fail-closed drop.
	ErrSignature = errors.New("signature invalid")

	// ErrAuthorization: tier or schema pattern refused.
	ErrAuthorization = errors.New("not authorized")

	// ErrUnavailable: circuit open, signing adapter down, or transport
	// queue full.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrTransient: retryable storage error.
	ErrTransient = errors.New("transient failure")

	// ErrFatal: invariant violation. The handler aborts and logs at error.
	ErrFatal = errors.New("invariant violation")
)

// Capacityf returns a capacity error for the named table.
func Capacityf(table string, cap int) error {
	return fmt.Errorf("table %s at row cap %d: %w", table, cap, ErrCapacity)
}

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
