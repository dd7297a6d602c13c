// Package wire implements the tagged-union JSON codec for every on-wire
// message type (gossip envelopes and transfer frames) and the canonical
// hashing scheme used to sign and deduplicate envelopes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"crypto/sha256"
	"fmt"
)

// CanonicalJSON re-encodes v as JSON with every object's keys sorted
// lexicographically, recursively. This makes the byte representation
// independent of a struct's field declaration order, so two peers signing
// or hashing the same logical payload always produce the same bytes.
//
// It works by round-tripping through a generic interface{}: Go's
// encoding/json already sorts map[string]interface{} keys on Marshal, so
// decoding into the generic form and re-encoding is sufficient.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: canonical json marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("wire: canonical json unmarshal: %w", err)
	}
	canon, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("wire: canonical json re-marshal: %w", err)
	}
	return canon, nil
}

// EnvelopeHash computes SHA-256(senderID || canonical_json(payload) ||
// timestamp_little_endian), the digest signed over and used as the gossip
// seen-set dedup key.
func EnvelopeHash(senderID string, payload any, timestamp int64) ([]byte, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	var tsBytes [8]byte
	binary.LittleEndian.PutUint64(tsBytes[:], uint64(timestamp))

	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write(canon)
	h.Write(tsBytes[:])
	return h.Sum(nil), nil
}
