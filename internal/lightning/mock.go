package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	becdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tv42/zbase32"
)

// signedMsgPrefix is the standard prefix nodes prepend before hashing a
// message for signmessage/checkmessage.
const signedMsgPrefix = "Lightning Signed Message:"

// MessageDigest returns the double-SHA256 digest a node signs for msg.
func MessageDigest(msg string) []byte {
	first := sha256.Sum256([]byte(signedMsgPrefix + msg))
	second := sha256.Sum256(first[:])
	return second[:]
}

// RecoverPubkey recovers the hex compressed pubkey from a zbase signature
// over msg. This is the in-process equivalent of checkmessage.
func RecoverPubkey(msg, zbaseSig string) (string, error) {
	raw, err := zbase32.DecodeString(zbaseSig)
	if err != nil {
		return "", fmt.Errorf("zbase32 decode: %w", err)
	}
	pub, _, err := becdsa.RecoverCompact(raw, MessageDigest(msg))
	if err != nil {
		return "", fmt.Errorf("recover compact: %w", err)
	}
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// MockNode is an in-process Lightning node used by tests and by the local
// development harness. It holds a real secp256k1 key, so signatures it
// produces verify under RecoverPubkey exactly like a node's would.
type MockNode struct {
	mu sync.Mutex

	priv   *btcec.PrivateKey
	pubHex string
	alias  string

	// Offers registered by this node, bolt12 string -> offer.
	offers map[string]*OfferResult
	// Invoices this node will produce for fetched offers.
	invoiceSeq int
	// Payments made, bolt11 -> result.
	Payments []PayResult

	Forwards []Forward

	// Failure injection.
	FailSignMessage     bool
	FailFundPSBT        bool
	FailOpenInit        bool
	FailOpenUpdate      bool
	FailSignPSBT        bool
	FailOpenSigned      bool
	FailFundChannel     bool
	FailPay             bool
	NeverSecure         bool // openchannel_update never secures commitments
	UpdateRoundsToReady int  // rounds before commitments_secured

	// Call log for asserting protocol order.
	Calls []string
}

// NewMockNode creates a node with a fresh random key.
func NewMockNode(alias string) *MockNode {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err) // rand failure is unrecoverable in tests
	}
	return newMock(priv, alias)
}

// NewMockNodeFromSeed derives the key from a fixed seed so tests get
// reproducible, orderable pubkeys.
func NewMockNodeFromSeed(seed byte, alias string) *MockNode {
	var buf [32]byte
	for i := range buf {
		buf[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(buf[:])
	return newMock(priv, alias)
}

func newMock(priv *btcec.PrivateKey, alias string) *MockNode {
	return &MockNode{
		priv:                priv,
		pubHex:              hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		alias:               alias,
		offers:              make(map[string]*OfferResult),
		UpdateRoundsToReady: 1,
	}
}

// PubkeyHex returns this node's identity.
func (m *MockNode) PubkeyHex() string { return m.pubHex }

func (m *MockNode) record(call string) {
	m.Calls = append(m.Calls, call)
}

// GetInfo implements RPC.
func (m *MockNode) GetInfo(_ context.Context) (*NodeInfo, error) {
	return &NodeInfo{ID: m.pubHex, Alias: m.alias, Network: "regtest"}, nil
}

// SignMessage implements RPC with a real recoverable signature.
func (m *MockNode) SignMessage(_ context.Context, msg string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("signmessage")
	if m.FailSignMessage {
		return "", errors.New("hsm unavailable")
	}
	sig := becdsa.SignCompact(m.priv, MessageDigest(msg), true)
	return zbase32.EncodeToString(sig), nil
}

// CheckMessage implements RPC.
func (m *MockNode) CheckMessage(_ context.Context, msg, zbaseSig, pubkey string) (bool, string, error) {
	m.mu.Lock()
	m.record("checkmessage")
	m.mu.Unlock()
	recovered, err := RecoverPubkey(msg, zbaseSig)
	if err != nil {
		return false, "", err
	}
	if pubkey != "" && recovered != pubkey {
		return false, recovered, nil
	}
	return true, recovered, nil
}

// Pay implements RPC.
func (m *MockNode) Pay(_ context.Context, bolt11 string) (*PayResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("pay")
	if m.FailPay {
		return nil, errors.New("payment failed: no route")
	}
	h := sha256.Sum256([]byte(bolt11))
	res := PayResult{
		PaymentHash: hex.EncodeToString(h[:]),
		Status:      "complete",
	}
	m.Payments = append(m.Payments, res)
	return &res, nil
}

// FetchInvoice implements RPC.
func (m *MockNode) FetchInvoice(_ context.Context, offer string, amountMsat int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("fetchinvoice")
	m.invoiceSeq++
	return fmt.Sprintf("lnbcrt-mock-%s-%d-%d", offer, amountMsat, m.invoiceSeq), nil
}

// Offer implements RPC.
func (m *MockNode) Offer(_ context.Context, amount, description string) (*OfferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("offer")
	h := sha256.Sum256([]byte(m.pubHex + amount + description))
	res := &OfferResult{
		OfferID: hex.EncodeToString(h[:8]),
		Bolt12:  "lno-mock-" + hex.EncodeToString(h[:12]),
		Active:  true,
	}
	m.offers[res.Bolt12] = res
	return res, nil
}

// ListForwards implements RPC.
func (m *MockNode) ListForwards(_ context.Context) ([]Forward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("listforwards")
	out := make([]Forward, len(m.Forwards))
	copy(out, m.Forwards)
	return out, nil
}

// FundPSBT implements RPC.
func (m *MockNode) FundPSBT(_ context.Context, amountSats int64, feerate string) (*FundPSBTResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("fundpsbt")
	if m.FailFundPSBT {
		return nil, errors.New("insufficient funds")
	}
	return &FundPSBTResult{PSBT: fmt.Sprintf("psbt-funded-%d-%s", amountSats, feerate)}, nil
}

// OpenChannelInit implements RPC.
func (m *MockNode) OpenChannelInit(_ context.Context, nodeID string, amountSats int64, psbt, feerate string, announce bool) (*OpenChannelInitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("openchannel_init")
	if m.FailOpenInit {
		return nil, errors.New("peer does not support v2 opens")
	}
	return &OpenChannelInitResult{
		ChannelID: "cid-" + nodeID[:8],
		PSBT:      psbt + "+init",
	}, nil
}

// OpenChannelUpdate implements RPC.
func (m *MockNode) OpenChannelUpdate(_ context.Context, channelID, psbt string) (*OpenChannelUpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("openchannel_update")
	if m.FailOpenUpdate {
		return nil, errors.New("update rejected")
	}
	rounds := 0
	for _, c := range m.Calls {
		if c == "openchannel_update" {
			rounds++
		}
	}
	secured := !m.NeverSecure && rounds >= m.UpdateRoundsToReady
	return &OpenChannelUpdateResult{ChannelID: channelID, PSBT: psbt + "+u", CommitmentsSecured: secured}, nil
}

// SignPSBT implements RPC.
func (m *MockNode) SignPSBT(_ context.Context, psbt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("signpsbt")
	if m.FailSignPSBT {
		return "", errors.New("hsm refused psbt")
	}
	return psbt + "+signed", nil
}

// OpenChannelSigned implements RPC.
func (m *MockNode) OpenChannelSigned(_ context.Context, channelID, psbt string) (*OpenChannelSignedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("openchannel_signed")
	if m.FailOpenSigned {
		return nil, errors.New("broadcast failed")
	}
	h := sha256.Sum256([]byte(psbt))
	return &OpenChannelSignedResult{ChannelID: channelID, TxID: hex.EncodeToString(h[:])}, nil
}

// OpenChannelAbort implements RPC.
func (m *MockNode) OpenChannelAbort(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("openchannel_abort")
	return nil
}

// UnreserveInputs implements RPC.
func (m *MockNode) UnreserveInputs(_ context.Context, psbt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("unreserveinputs")
	return nil
}

// FundChannel implements RPC.
func (m *MockNode) FundChannel(_ context.Context, nodeID string, amountSats int64, feerate string, announce bool) (*FundChannelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("fundchannel")
	if m.FailFundChannel {
		return nil, errors.New("fundchannel failed")
	}
	h := sha256.Sum256([]byte("v1" + nodeID))
	return &FundChannelResult{TxID: hex.EncodeToString(h[:]), ChannelID: "cid1-" + nodeID[:8]}, nil
}

var _ RPC = (*MockNode)(nil)
