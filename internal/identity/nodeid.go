package identity

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

// NodeIDPrefix is the textual scheme prefix for every NodeId, following the
// did:key convention: a multibase-encoded, multicodec-tagged public key.
const NodeIDPrefix = "did:key:"

// multicodecEd25519Pub is the unsigned-varint encoding of the ed25519-pub
// multicodec (0xed01), prepended to the raw 32-byte public key before
// multibase encoding. Hardcoded rather than pulled from a codec table since
// it is a single fixed two-byte varint for this one key type.
var multicodecEd25519Pub = [2]byte{0xed, 0x01}

// NodeID is the stable textual principal derived from a node's long-term
// verification key. Unlike RepoId, a NodeId's encoding is lossless: it can
// always be decoded back to the exact public key bytes it was derived from.
type NodeID string

// DeriveNodeID encodes pub as a did:key NodeId.
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	tagged := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	tagged = append(tagged, multicodecEd25519Pub[:]...)
	tagged = append(tagged, pub...)
	enc, err := multibase.Encode(multibase.Base58BTC, tagged)
	if err != nil {
		// multibase.Encode only fails for unsupported bases; Base58BTC is
		// always supported, so this is unreachable.
		panic(fmt.Sprintf("identity: multibase encode: %v", err))
	}
	return NodeID(NodeIDPrefix + enc)
}

// PublicKey decodes a NodeId back to the verification key it was derived
// from.
func (n NodeID) PublicKey() (ed25519.PublicKey, error) {
	s := string(n)
	if !strings.HasPrefix(s, NodeIDPrefix) {
		return nil, fmt.Errorf("identity: %w: missing %q prefix", ErrInvalidNodeID, NodeIDPrefix)
	}
	encoded := s[len(NodeIDPrefix):]
	if encoded == "" {
		return nil, fmt.Errorf("identity: %w: empty encoded part", ErrInvalidNodeID)
	}
	_, tagged, err := multibase.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("identity: %w: multibase decode: %v", ErrInvalidNodeID, err)
	}
	if len(tagged) != len(multicodecEd25519Pub)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: %w: unexpected decoded length %d", ErrInvalidNodeID, len(tagged))
	}
	if tagged[0] != multicodecEd25519Pub[0] || tagged[1] != multicodecEd25519Pub[1] {
		return nil, fmt.Errorf("identity: %w: unsupported key codec", ErrInvalidNodeID)
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, tagged[len(multicodecEd25519Pub):])
	return pub, nil
}

// String implements fmt.Stringer.
func (n NodeID) String() string {
	return string(n)
}

// ParseNodeID validates s and returns it as a NodeID, failing if it does not
// round-trip to a well-formed verification key.
func ParseNodeID(s string) (NodeID, error) {
	n := NodeID(s)
	if _, err := n.PublicKey(); err != nil {
		return "", err
	}
	return n, nil
}
