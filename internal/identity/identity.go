// Package identity provides the uniform sign/verify adapter over the node's
// Lightning identity key.
//
// Two implementations exist: Local delegates both operations to the node's
// RPC (the HSM lives there), Remote delegates signing to a sibling signer
// process over gRPC behind a circuit breaker. Verification never leaves the
// process in remote mode: a zbase signature is publicly recoverable, so the
// HSM is not needed to check it.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/lightning"
)

// Mode names the adapter implementation.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Info describes the adapter for the status surface.
type Info struct {
	Mode   Mode   `json:"mode"`
	Pubkey string `json:"pubkey"`
	// Backend is implementation detail: "lightning-rpc" or the remote
	// signer's self-description.
	Backend string `json:"backend,omitempty"`
}

// Signer signs and verifies protocol payloads under the node identity.
//
// Sign returns "" (with nil error) when signing is unavailable; callers
// treat an empty signature as a hard failure for outbound protocol
// messages.
type Signer interface {
	Sign(ctx context.Context, message []byte) (string, error)
	Verify(ctx context.Context, message []byte, zbaseSig string, claimed hive.PeerID) (bool, error)
	Info() Info
}

// Local delegates to the Lightning node RPC.
type Local struct {
	rpc     lightning.RPC
	pubkey  hive.PeerID
	timeout time.Duration
	log     *slog.Logger
}

// NewLocal resolves the node identity and returns a Local signer.
func NewLocal(ctx context.Context, rpc lightning.RPC, timeout time.Duration, log *slog.Logger) (*Local, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	info, err := rpc.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &Local{
		rpc:     rpc,
		pubkey:  hive.PeerID(strings.ToLower(info.ID)),
		timeout: timeout,
		log:     log,
	}, nil
}

// Pubkey returns the node identity.
func (l *Local) Pubkey() hive.PeerID { return l.pubkey }

// Sign implements Signer via signmessage.
func (l *Local) Sign(ctx context.Context, message []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	sig, err := l.rpc.SignMessage(ctx, string(message))
	if err != nil {
		l.log.Warn("signmessage failed", "error", err)
		return "", nil // empty signature signals "signing unavailable"
	}
	return sig, nil
}

// Verify implements Signer via checkmessage with the claimed pubkey.
func (l *Local) Verify(ctx context.Context, message []byte, zbaseSig string, claimed hive.PeerID) (bool, error) {
	if zbaseSig == "" || claimed == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	verified, recovered, err := l.rpc.CheckMessage(ctx, string(message), zbaseSig, string(claimed))
	if err != nil {
		return false, err
	}
	return verified && strings.EqualFold(recovered, string(claimed)), nil
}

// Info implements Signer.
func (l *Local) Info() Info {
	return Info{Mode: ModeLocal, Pubkey: string(l.pubkey), Backend: "lightning-rpc"}
}

var _ Signer = (*Local)(nil)
