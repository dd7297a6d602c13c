package gossip

import "errors"

// ErrUnknownSigner is returned when an envelope's Sender does not resolve
// to a known, well-formed NodeId public key.
var ErrUnknownSigner = errors.New("gossip: unknown signer")
