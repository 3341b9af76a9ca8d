package lightning

import (
	"context"
	"fmt"
	"log/slog"
)

// FundingType records which open path produced the channel.
type FundingType string

const (
	FundingDual   FundingType = "dual-funded"
	FundingSingle FundingType = "single-funded"
)

// OpenResult is the outcome of Open, whichever path succeeded.
type OpenResult struct {
	FundingType FundingType `json:"funding_type"`
	ChannelID   string      `json:"channel_id"`
	TxID        string      `json:"txid"`
}

// Opener drives the channel-open protocol: try the dual-funded (v2) path,
// and on any failure unwind the attempt and fall through to single-funded
// fundchannel. Feerate and announce are forwarded identically to both paths.
type Opener struct {
	rpc RPC
	// maxUpdateRounds caps openchannel_update iterations before the v2
	// attempt is abandoned.
	maxUpdateRounds int
	log             *slog.Logger
}

// NewOpener builds an Opener over rpc.
func NewOpener(rpc RPC, maxUpdateRounds int, log *slog.Logger) *Opener {
	if maxUpdateRounds <= 0 {
		maxUpdateRounds = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Opener{rpc: rpc, maxUpdateRounds: maxUpdateRounds, log: log}
}

// Open opens a channel to nodeID for amountSats. It attempts the
// dual-funded path first and falls back to fundchannel.
func (o *Opener) Open(ctx context.Context, nodeID string, amountSats int64, feerate string, announce bool) (*OpenResult, error) {
	res, v2err := o.openDual(ctx, nodeID, amountSats, feerate, announce)
	if v2err == nil {
		return res, nil
	}
	o.log.Warn("dual-funded open failed, falling back to fundchannel",
		"peer", nodeID, "error", v2err)

	fc, err := o.rpc.FundChannel(ctx, nodeID, amountSats, feerate, announce)
	if err != nil {
		return nil, fmt.Errorf("fundchannel after v2 failure (%v): %w", v2err, err)
	}
	return &OpenResult{FundingType: FundingSingle, ChannelID: fc.ChannelID, TxID: fc.TxID}, nil
}

// openDual runs the v2 open. On any failure it unwinds: openchannel_abort
// only if an init succeeded, unreserveinputs always if a PSBT exists.
func (o *Opener) openDual(ctx context.Context, nodeID string, amountSats int64, feerate string, announce bool) (result *OpenResult, err error) {
	fund, err := o.rpc.FundPSBT(ctx, amountSats, feerate)
	if err != nil {
		return nil, fmt.Errorf("fundpsbt: %w", err)
	}
	psbt := fund.PSBT

	var channelID string // non-empty once openchannel_init succeeded

	defer func() {
		if err == nil {
			return
		}
		// Unwind in protocol order: abort the channel first, then free
		// the reserved inputs.
		if channelID != "" {
			if aerr := o.rpc.OpenChannelAbort(ctx, channelID); aerr != nil {
				o.log.Warn("openchannel_abort failed during unwind", "channel_id", channelID, "error", aerr)
			}
		}
		if uerr := o.rpc.UnreserveInputs(ctx, psbt); uerr != nil {
			o.log.Warn("unreserveinputs failed during unwind", "error", uerr)
		}
	}()

	init, err := o.rpc.OpenChannelInit(ctx, nodeID, amountSats, psbt, feerate, announce)
	if err != nil {
		return nil, fmt.Errorf("openchannel_init: %w", err)
	}
	channelID = init.ChannelID
	psbt = init.PSBT
	secured := init.CommitmentsSecured

	rounds := 0
	for !secured {
		if rounds >= o.maxUpdateRounds {
			err = fmt.Errorf("openchannel_update: commitments not secured after %d rounds", rounds)
			return nil, err
		}
		upd, uerr := o.rpc.OpenChannelUpdate(ctx, channelID, psbt)
		if uerr != nil {
			err = fmt.Errorf("openchannel_update: %w", uerr)
			return nil, err
		}
		psbt = upd.PSBT
		secured = upd.CommitmentsSecured
		rounds++
	}

	signed, err := o.rpc.SignPSBT(ctx, psbt)
	if err != nil {
		return nil, fmt.Errorf("signpsbt: %w", err)
	}

	done, err := o.rpc.OpenChannelSigned(ctx, channelID, signed)
	if err != nil {
		return nil, fmt.Errorf("openchannel_signed: %w", err)
	}

	return &OpenResult{FundingType: FundingDual, ChannelID: done.ChannelID, TxID: done.TxID}, nil
}
