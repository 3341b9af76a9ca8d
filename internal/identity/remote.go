package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/lnhive/hived/internal/breaker"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/pb"
)

// Remote delegates signing to a sibling signer process over gRPC. The call
// is wrapped in a circuit breaker; while the circuit is open Sign returns
// "" immediately without touching the signer.
//
// Verification is deliberately local: RecoverPubkey reconstructs the signer
// key from the compact signature, so no remote round trip is needed and the
// verify path keeps working while the signer is down.
type Remote struct {
	client  pb.SignerServiceClient
	conn    *grpc.ClientConn
	brk     *breaker.Breaker
	pubkey  hive.PeerID
	timeout time.Duration
	log     *slog.Logger
}

// NewRemote dials the signer and resolves its identity.
func NewRemote(ctx context.Context, addr string, timeout time.Duration, log *slog.Logger) (*Remote, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	client := pb.NewSignerServiceClient(conn)

	infoCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := client.Info(infoCtx, &pb.SignerInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Remote{
		client:  client,
		conn:    conn,
		brk:     breaker.New(breaker.DefaultConfig("remote-signer")),
		pubkey:  hive.PeerID(strings.ToLower(info.Pubkey)),
		timeout: timeout,
		log:     log,
	}, nil
}

// NewRemoteWithClient wires a pre-built client; used by tests.
func NewRemoteWithClient(client pb.SignerServiceClient, pubkey hive.PeerID, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{
		client:  client,
		brk:     breaker.New(breaker.DefaultConfig("remote-signer")),
		pubkey:  pubkey,
		timeout: timeout,
		log:     slog.Default(),
	}
}

// Pubkey returns the signer identity.
func (r *Remote) Pubkey() hive.PeerID { return r.pubkey }

// Breaker exposes the signer breaker for the status surface.
func (r *Remote) Breaker() *breaker.Breaker { return r.brk }

// Sign implements Signer through the breaker-guarded gRPC call.
func (r *Remote) Sign(ctx context.Context, message []byte) (string, error) {
	var sig string
	err := r.brk.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		resp, err := r.client.Sign(ctx, &pb.SignRequest{
			Message:  message,
			Deadline: timestamppb.New(time.Now().Add(r.timeout)),
		})
		if err != nil {
			return err
		}
		sig = resp.Signature
		return nil
	})
	if err != nil {
		if breaker.Unavailable(err) {
			return "", nil
		}
		r.log.Warn("remote sign failed", "error", err)
		return "", nil
	}
	return sig, nil
}

// Verify implements Signer in-process.
func (r *Remote) Verify(_ context.Context, message []byte, zbaseSig string, claimed hive.PeerID) (bool, error) {
	if zbaseSig == "" || claimed == "" {
		return false, nil
	}
	recovered, err := lightning.RecoverPubkey(string(message), zbaseSig)
	if err != nil {
		return false, nil // malformed signature is a clean reject
	}
	return strings.EqualFold(recovered, string(claimed)), nil
}

// Info implements Signer.
func (r *Remote) Info() Info {
	return Info{Mode: ModeRemote, Pubkey: string(r.pubkey), Backend: "grpc-signer"}
}

// Close releases the client connection.
func (r *Remote) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

var _ Signer = (*Remote)(nil)
