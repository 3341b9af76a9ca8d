package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/lnhive/hived/internal/hive"
)

// binaryMagic prefixes the length-framed binary form. The body after the
// frame header is the JSON form byte-for-byte, so both forms round-trip
// one-to-one.
var binaryMagic = [4]byte{'H', 'V', 'W', '1'}

const maxFrameSize = 1 << 20 // 1 MiB per envelope

// CanonicalJSON returns the RFC 8785 canonical JSON of v: sorted keys,
// minimal separators, UTF-8.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Encode serializes the envelope to its JSON form.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// EncodeBinary serializes the envelope to the length-prefixed binary form.
func EncodeBinary(e *Envelope) ([]byte, error) {
	body, err := Encode(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(binaryMagic[:])
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode accepts either the binary prefixed form or the bare JSON form and
// normalizes to the in-process Envelope.
func Decode(data []byte) (*Envelope, error) {
	if len(data) >= 8 && bytes.Equal(data[:4], binaryMagic[:]) {
		n := binary.BigEndian.Uint32(data[4:8])
		if n > maxFrameSize || int(n) != len(data)-8 {
			return nil, hive.Validationf("binary frame length %d", n)
		}
		data = data[8:]
	}

	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber() // keep sats amounts exact
	if err := dec.Decode(&env); err != nil {
		return nil, hive.Validationf("envelope decode: %v", err)
	}
	if !env.Type.Valid() {
		return nil, hive.Validationf("unknown message kind %q", env.Type)
	}
	if env.Sender == "" {
		return nil, hive.Validationf("envelope missing sender")
	}
	env.Sender = hive.PeerID(strings.ToLower(string(env.Sender)))
	return &env, nil
}

// MsgID returns the content-addressed identifier of the envelope: the
// SHA-256 of the canonical payload with relay metadata stripped, prefixed
// with the kind so identical payloads of different kinds stay distinct.
func MsgID(e *Envelope) (string, error) {
	stripped := make(map[string]interface{}, len(e.Payload))
	for k, v := range e.Payload {
		stripped[k] = v
	}
	for _, k := range relayMetaKeys {
		delete(stripped, k)
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{'|'})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EventID derives the idempotency-index key for a reliable message from its
// content-identifying fields. Returns ("", false) for unreliable kinds and
// an error when an identifying field is missing.
func EventID(e *Envelope) (string, bool, error) {
	fields, ok := reliableEventFields[e.Type]
	if !ok {
		return "", false, nil
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, present := e.Payload[f]
		if !present {
			return "", true, hive.Validationf("%s payload missing %s", e.Type, f)
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:]), true, nil
}
