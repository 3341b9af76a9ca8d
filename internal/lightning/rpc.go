// Package lightning defines the capability contract against the local
// Lightning node and the channel-open protocol built on top of it. The
// coordinator never speaks the Lightning protocol itself; everything funnels
// through this interface so tests can substitute an in-process node.
package lightning

import (
	"context"
	"time"
)

// Forward is one settled HTLC forward as reported by the node.
type Forward struct {
	InChannel  string    `json:"in_channel"`
	OutChannel string    `json:"out_channel"`
	InMsat     int64     `json:"in_msat"`
	OutMsat    int64     `json:"out_msat"`
	FeeMsat    int64     `json:"fee_msat"`
	Status     string    `json:"status"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// PayResult is the outcome of a successful payment.
type PayResult struct {
	PaymentHash     string `json:"payment_hash"`
	PaymentPreimage string `json:"payment_preimage"`
	AmountSentMsat  int64  `json:"amount_sent_msat"`
	Status          string `json:"status"`
}

// OfferResult is a registered BOLT12 offer.
type OfferResult struct {
	OfferID string `json:"offer_id"`
	Bolt12  string `json:"bolt12"`
	Active  bool   `json:"active"`
}

// NodeInfo identifies the backing node.
type NodeInfo struct {
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Network string `json:"network"`
}

// FundPSBTResult carries the reserved-input PSBT for a dual-funded open.
type FundPSBTResult struct {
	PSBT              string `json:"psbt"`
	FeeratePerKW      int64  `json:"feerate_per_kw"`
	EstimatedFinalWt  int64  `json:"estimated_final_weight"`
	ExcessMsat        int64  `json:"excess_msat"`
	ChangeOutnum      int    `json:"change_outnum"`
	ReservationsValid bool   `json:"reservations_valid"`
}

// OpenChannelInitResult is the response to openchannel_init.
type OpenChannelInitResult struct {
	ChannelID          string `json:"channel_id"`
	PSBT               string `json:"psbt"`
	CommitmentsSecured bool   `json:"commitments_secured"`
	FundingSerial      int64  `json:"funding_serial"`
}

// OpenChannelUpdateResult is the response to openchannel_update.
type OpenChannelUpdateResult struct {
	ChannelID          string `json:"channel_id"`
	PSBT               string `json:"psbt"`
	CommitmentsSecured bool   `json:"commitments_secured"`
}

// OpenChannelSignedResult finalizes a dual-funded open.
type OpenChannelSignedResult struct {
	ChannelID string `json:"channel_id"`
	TxID      string `json:"txid"`
}

// FundChannelResult is the response to the single-funded fundchannel path.
type FundChannelResult struct {
	TxID      string `json:"txid"`
	ChannelID string `json:"channel_id"`
	Outnum    int    `json:"outnum"`
}

// RPC is the opaque capability offered by the Lightning node. Method names
// mirror the node's commands one-to-one; no coordinator logic lives behind
// this boundary.
type RPC interface {
	// GetInfo returns the node identity. The coordinator's PeerID is the
	// returned node id.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// SignMessage signs msg under the node's HSM key and returns the
	// zbase32-encoded recoverable signature.
	SignMessage(ctx context.Context, msg string) (string, error)

	// CheckMessage verifies a zbase signature. When pubkey is non-empty
	// the node also checks the recovered key against it.
	CheckMessage(ctx context.Context, msg, zbaseSig, pubkey string) (verified bool, recovered string, err error)

	// Pay pays a BOLT11 invoice.
	Pay(ctx context.Context, bolt11 string) (*PayResult, error)

	// FetchInvoice resolves a BOLT12 offer into a payable invoice.
	FetchInvoice(ctx context.Context, offer string, amountMsat int64) (string, error)

	// Offer registers a reusable BOLT12 offer ("any" amount allowed).
	Offer(ctx context.Context, amount, description string) (*OfferResult, error)

	// ListForwards returns settled forwards since the node's horizon.
	ListForwards(ctx context.Context) ([]Forward, error)

	// Dual-funded open path.
	FundPSBT(ctx context.Context, amountSats int64, feerate string) (*FundPSBTResult, error)
	OpenChannelInit(ctx context.Context, nodeID string, amountSats int64, psbt, feerate string, announce bool) (*OpenChannelInitResult, error)
	OpenChannelUpdate(ctx context.Context, channelID, psbt string) (*OpenChannelUpdateResult, error)
	SignPSBT(ctx context.Context, psbt string) (string, error)
	OpenChannelSigned(ctx context.Context, channelID, psbt string) (*OpenChannelSignedResult, error)
	OpenChannelAbort(ctx context.Context, channelID string) error
	UnreserveInputs(ctx context.Context, psbt string) error

	// Single-funded fallback.
	FundChannel(ctx context.Context, nodeID string, amountSats int64, feerate string, announce bool) (*FundChannelResult, error)
}
