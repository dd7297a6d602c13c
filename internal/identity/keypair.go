// Package identity implements the long-term signing keypair, NodeId
// derivation, and per-recipient authenticated encryption that every other
// engine in megaengine builds on.
//
// Signatures are plain Ed25519 (64-byte signatures over 32-byte keys).
// Encryption agrees on an ephemeral X25519 key using the Montgomery form of
// the same curve the signing key lives on, then seals with ChaCha20-Poly1305.
// See crypto.go for the encrypt_to/decrypt implementation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeyPair holds a node's long-term Ed25519 signing key. Private is nil for a
// KeyPair reconstructed from a bare public key (e.g. a peer's verification
// key learned off the wire), in which case Sign and Decrypt fail.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey // nil for public-only keypairs
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// FromPrivateKey wraps an existing Ed25519 private key, as loaded from an
// identity store.
func FromPrivateKey(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: %w: private key must be %d bytes, got %d", ErrCryptoFailure, ed25519.PrivateKeySize, len(priv))
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])
	return &KeyPair{Public: pub, Private: priv}, nil
}

// FromPublicKey wraps a bare verification key, e.g. one derived from a
// peer's NodeId. The returned KeyPair can verify and encrypt_to but not sign
// or decrypt.
func FromPublicKey(pub ed25519.PublicKey) (*KeyPair, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: %w: public key must be %d bytes, got %d", ErrCryptoFailure, ed25519.PublicKeySize, len(pub))
	}
	return &KeyPair{Public: pub}, nil
}

// Sign produces a detached 64-byte signature over msg using the private key.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("identity: sign: %w", ErrNoPrivateKey)
	}
	return ed25519.Sign(k.Private, msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// NodeID returns the textual principal derived from this keypair's
// verification key.
func (k *KeyPair) NodeID() NodeID {
	return DeriveNodeID(k.Public)
}
