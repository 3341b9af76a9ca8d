package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/hive"
)

func sampleEnvelope() *Envelope {
	return NewEnvelope(KindSettlementReady, hive.PeerID("02aabb"), map[string]interface{}{
		"proposal_id":   "2026-30-abc",
		"voter_peer_id": "02aabb",
		"data_hash":     "deadbeef",
		"timestamp":     int64(1700000000),
	})
}

func TestJSONRoundTrip(t *testing.T) {
	env := sampleEnvelope()
	env.Signature = "sig"

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Version, got.Version)
	assert.Equal(t, env.Sender, got.Sender)
	assert.Equal(t, env.Signature, got.Signature)
	assert.Equal(t, "2026-30-abc", got.Payload["proposal_id"])
}

func TestBinaryFormRoundTripsWithJSON(t *testing.T) {
	env := sampleEnvelope()

	bin, err := EncodeBinary(env)
	require.NoError(t, err)
	fromBin, err := Decode(bin)
	require.NoError(t, err)

	jsonBytes, err := Encode(env)
	require.NoError(t, err)
	fromJSON, err := Decode(jsonBytes)
	require.NoError(t, err)

	// 1-to-1: both forms decode to identical envelopes, and their
	// content-addressed identities agree.
	idBin, err := MsgID(fromBin)
	require.NoError(t, err)
	idJSON, err := MsgID(fromJSON)
	require.NoError(t, err)
	assert.Equal(t, idJSON, idBin)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus","version":1,"payload":{},"sender":"02aa"}`))
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestDecodeRejectsMissingSender(t *testing.T) {
	_, err := Decode([]byte(`{"type":"hello","version":1,"payload":{}}`))
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestDecodeRejectsBadBinaryLength(t *testing.T) {
	bin, err := EncodeBinary(sampleEnvelope())
	require.NoError(t, err)
	bin[7]++ // corrupt the length
	_, err = Decode(bin)
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestMsgIDIgnoresRelayMetadata(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	b.Payload["ttl"] = 3
	b.Payload["path"] = []string{"02cc", "02dd"}
	b.Payload["origin"] = "02cc"
	b.Payload["origin_ts"] = 1700000123
	b.WithRelay(3, "02cc")

	idA, err := MsgID(a)
	require.NoError(t, err)
	idB, err := MsgID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB, "relay metadata must not change message identity")
}

func TestMsgIDDistinguishesKinds(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	b.Type = KindSettlementExecute

	idA, _ := MsgID(a)
	idB, _ := MsgID(b)
	assert.NotEqual(t, idA, idB)
}

func TestEventIDStablePerReliableKind(t *testing.T) {
	env := sampleEnvelope()
	id1, reliable, err := EventID(env)
	require.NoError(t, err)
	require.True(t, reliable)

	// Same identifying fields, different decoration: same event.
	env2 := sampleEnvelope()
	env2.Payload["timestamp"] = int64(1700009999)
	id2, _, err := EventID(env2)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Different voter: different event.
	env3 := sampleEnvelope()
	env3.Payload["voter_peer_id"] = "02ffee"
	id3, _, err := EventID(env3)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestEventIDUnreliableKinds(t *testing.T) {
	env := NewEnvelope(KindGossip, "02aa", map[string]interface{}{"state_hash": "x"})
	_, reliable, err := EventID(env)
	require.NoError(t, err)
	assert.False(t, reliable)
}

func TestEventIDMissingFieldRejected(t *testing.T) {
	env := NewEnvelope(KindSettlementReady, "02aa", map[string]interface{}{"proposal_id": "p"})
	_, reliable, err := EventID(env)
	assert.True(t, reliable)
	require.ErrorIs(t, err, hive.ErrValidation)
}
