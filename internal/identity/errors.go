package identity

import "errors"

var (
	// ErrCryptoFailure covers signature verification failures, AEAD open
	// failures, and malformed key material. Never retried.
	ErrCryptoFailure = errors.New("crypto failure")

	// ErrInvalidNodeID is returned when a NodeId's textual form cannot be
	// decoded back to a verification key.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrNoPrivateKey is returned when an operation requiring the private
	// half of a keypair is attempted on a public-only KeyPair.
	ErrNoPrivateKey = errors.New("keypair has no private key")
)
