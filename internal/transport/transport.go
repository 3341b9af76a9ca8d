// Package transport carries signed envelopes between hive peers. The
// production implementation runs over WebSocket with one writer goroutine
// per peer and bounded, non-blocking outbound queues; a memory
// implementation backs tests.
package transport

import (
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/wire"
)

// Inbound pairs a decoded envelope with the peer connection it arrived on.
// From is the transport-level peer; the envelope's Sender may differ when
// the message was relayed.
type Inbound struct {
	From     hive.PeerID
	Envelope *wire.Envelope
}

// Transport is the peer wire the hub runs on.
//
// Send is non-blocking: when the peer's outbound queue is full the envelope
// is dropped and ErrUnavailable returned. Per-peer inbound ordering is
// preserved on the Inbound channel.
type Transport interface {
	Send(peer hive.PeerID, env *wire.Envelope) error
	Peers() []hive.PeerID
	Inbound() <-chan Inbound
	Close() error
}
