package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/pb"
)

func TestLocalSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	node := lightning.NewMockNodeFromSeed(1, "signer")
	signer, err := NewLocal(ctx, node, time.Second, nil)
	require.NoError(t, err)

	msg := []byte(`{"type":"hello","timestamp":1700000000}`)
	sig, err := signer.Sign(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := signer.Verify(ctx, msg, sig, signer.Pubkey())
	require.NoError(t, err)
	assert.True(t, ok)

	// Same signature, different claimed identity.
	other := hive.PeerID(lightning.NewMockNodeFromSeed(2, "").PubkeyHex())
	ok, err = signer.Verify(ctx, msg, sig, other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalSignUnavailableReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	node := lightning.NewMockNodeFromSeed(1, "signer")
	signer, err := NewLocal(ctx, node, time.Second, nil)
	require.NoError(t, err)

	node.FailSignMessage = true
	sig, err := signer.Sign(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Empty(t, sig, "sign failure surfaces as empty signature, not error")
}

func TestLocalVerifyRejectsEmptyInputs(t *testing.T) {
	ctx := context.Background()
	node := lightning.NewMockNodeFromSeed(1, "signer")
	signer, err := NewLocal(ctx, node, time.Second, nil)
	require.NoError(t, err)

	ok, err := signer.Verify(ctx, []byte("msg"), "", signer.Pubkey())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = signer.Verify(ctx, []byte("msg"), "sig", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

// fakeSignerClient backs Remote with a MockNode key so signatures are real.
type fakeSignerClient struct {
	node *lightning.MockNode
	err  error
}

func (f *fakeSignerClient) Sign(ctx context.Context, in *pb.SignRequest, _ ...grpc.CallOption) (*pb.SignResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	sig, err := f.node.SignMessage(ctx, string(in.Message))
	if err != nil {
		return nil, err
	}
	return &pb.SignResponse{Signature: sig, Pubkey: f.node.PubkeyHex()}, nil
}

func (f *fakeSignerClient) Info(context.Context, *pb.SignerInfoRequest, ...grpc.CallOption) (*pb.SignerInfoResponse, error) {
	return &pb.SignerInfoResponse{Pubkey: f.node.PubkeyHex(), Backend: "fake"}, nil
}

func TestRemoteSignsAndVerifiesLocally(t *testing.T) {
	ctx := context.Background()
	node := lightning.NewMockNodeFromSeed(3, "remote-signer")
	remote := NewRemoteWithClient(&fakeSignerClient{node: node}, hive.PeerID(node.PubkeyHex()), time.Second)

	msg := []byte("settlement vote payload")
	sig, err := remote.Sign(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	// Verification recovers the key in-process; no signer round trip.
	ok, err := remote.Verify(ctx, msg, sig, remote.Pubkey())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = remote.Verify(ctx, msg, "not-a-signature", remote.Pubkey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteSignerDownOpensBreaker(t *testing.T) {
	ctx := context.Background()
	node := lightning.NewMockNodeFromSeed(3, "remote-signer")
	client := &fakeSignerClient{node: node, err: errors.New("connection refused")}
	remote := NewRemoteWithClient(client, hive.PeerID(node.PubkeyHex()), time.Second)

	for i := 0; i < 3; i++ {
		sig, err := remote.Sign(ctx, []byte("msg"))
		require.NoError(t, err)
		assert.Empty(t, sig)
	}
	assert.True(t, remote.Breaker().IsOpen())

	// While open the signer is not touched, but verify still works against
	// an old signature.
	client.err = nil
	goodSig, err := node.SignMessage(ctx, "old message")
	require.NoError(t, err)
	ok, err := remote.Verify(ctx, []byte("old message"), goodSig, remote.Pubkey())
	require.NoError(t, err)
	assert.True(t, ok)
}
