package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	montgomeryKeySize = 32
	nonceSize         = chacha20poly1305.NonceSize // 12
)

// EncryptTo seals plaintext for recipientPub using ephemeral X25519 key
// agreement on the Montgomery form of the Ed25519 curve, followed by
// ChaCha20-Poly1305. Wire layout: ephemeral_public(32) || nonce(12) || sealed.
func EncryptTo(recipientPub ed25519.PublicKey, plaintext []byte) ([]byte, error) {
	recipientMontgomery, err := edwardsToMontgomery(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt_to: %w: %v", ErrCryptoFailure, err)
	}

	var ephemeralPriv [montgomeryKeySize]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: encrypt_to: generate ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt_to: derive ephemeral public: %w", err)
	}

	shared, err := curve25519.X25519(ephemeralPriv[:], recipientMontgomery)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt_to: %w: ecdh failed: %v", ErrCryptoFailure, err)
	}

	key := deriveKey(shared, ephemeralPub, recipientMontgomery)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: encrypt_to: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: encrypt_to: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephemeralPub)+len(nonce)+len(sealed))
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens a ciphertext produced by EncryptTo using this keypair's
// private key.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.Private == nil {
		return nil, fmt.Errorf("identity: decrypt: %w", ErrNoPrivateKey)
	}
	if len(ciphertext) < montgomeryKeySize+nonceSize {
		return nil, fmt.Errorf("identity: decrypt: %w: ciphertext too short", ErrCryptoFailure)
	}
	ephemeralPub := ciphertext[:montgomeryKeySize]
	nonce := ciphertext[montgomeryKeySize : montgomeryKeySize+nonceSize]
	sealed := ciphertext[montgomeryKeySize+nonceSize:]

	ownScalar, err := signingKeyToMontgomeryScalar(k.Private)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w: %v", ErrCryptoFailure, err)
	}
	ownMontgomeryPub, err := edwardsToMontgomery(k.Public)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w: %v", ErrCryptoFailure, err)
	}

	shared, err := curve25519.X25519(ownScalar, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w: ecdh failed: %v", ErrCryptoFailure, err)
	}

	key := deriveKey(shared, ephemeralPub, ownMontgomeryPub)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w: aead open failed", ErrCryptoFailure)
	}
	return plaintext, nil
}

// deriveKey matches spec's key derivation: SHA-256(shared || ephemeral_public
// || recipient_public).
func deriveKey(shared, ephemeralPub, recipientMontgomeryPub []byte) []byte {
	h := sha256.New()
	h.Write(shared)
	h.Write(ephemeralPub)
	h.Write(recipientMontgomeryPub)
	return h.Sum(nil)
}

// edwardsToMontgomery converts a compressed Edwards point (an Ed25519 public
// key) to the Montgomery u-coordinate used for X25519 agreement.
func edwardsToMontgomery(edPub ed25519.PublicKey) ([]byte, error) {
	if len(edPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(edPub))
	}
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("not a valid edwards25519 point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// signingKeyToMontgomeryScalar clamps the SHA-512 hash of an Ed25519 private
// key's seed into an X25519 scalar, following the standard RFC 8032
// derivation used to reuse a signing key for key agreement.
func signingKeyToMontgomeryScalar(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	scalar := make([]byte, montgomeryKeySize)
	copy(scalar, h[:montgomeryKeySize])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar, nil
}
