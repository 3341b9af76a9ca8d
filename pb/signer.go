// Package pb holds the hand-maintained service types for the sibling signer
// process. The wire schema is owned by the signer repo; only the client
// surface the coordinator consumes is mirrored here.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// SignRequest asks the signer to produce a zbase signature over Message.
type SignRequest struct {
	Message  []byte
	Deadline *timestamppb.Timestamp
}

// SignResponse carries the zbase32 recoverable signature. Empty Signature
// means the signer's HSM is unavailable.
type SignResponse struct {
	Signature string
	Pubkey    string
}

// SignerInfoRequest is empty; present for forward compatibility.
type SignerInfoRequest struct{}

// SignerInfoResponse describes the signer backend.
type SignerInfoResponse struct {
	Pubkey  string
	Backend string
}

// SignerServiceClient is the client interface to the remote signer.
type SignerServiceClient interface {
	Sign(ctx context.Context, in *SignRequest, opts ...grpc.CallOption) (*SignResponse, error)
	Info(ctx context.Context, in *SignerInfoRequest, opts ...grpc.CallOption) (*SignerInfoResponse, error)
}

type signerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSignerServiceClient wraps a client connection.
func NewSignerServiceClient(cc grpc.ClientConnInterface) SignerServiceClient {
	return &signerServiceClient{cc: cc}
}

func (c *signerServiceClient) Sign(ctx context.Context, in *SignRequest, opts ...grpc.CallOption) (*SignResponse, error) {
	out := new(SignResponse)
	if err := c.cc.Invoke(ctx, "/hive.signer.v1.SignerService/Sign", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *signerServiceClient) Info(ctx context.Context, in *SignerInfoRequest, opts ...grpc.CallOption) (*SignerInfoResponse, error) {
	out := new(SignerInfoResponse)
	if err := c.cc.Invoke(ctx, "/hive.signer.v1.SignerService/Info", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
