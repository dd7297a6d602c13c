package messaging

import "errors"

var (
	// ErrInvalidRecipient is returned when a chat send targets a string
	// that does not parse as a well-formed NodeId.
	ErrInvalidRecipient = errors.New("messaging: invalid recipient node id")
	// ErrNoPeers is returned when an outbox entry has no connected peer to
	// reach or flood through.
	ErrNoPeers = errors.New("messaging: no peers connected")
)
