package wire

import "errors"

var (
	// ErrParseFailure covers malformed envelopes or frames on the wire.
	// The spec.md policy for this class of error is: drop silently, never
	// count against the sending peer.
	ErrParseFailure = errors.New("malformed wire message")

	// ErrUnknownPayloadKind is returned when an envelope's payload kind tag
	// does not match any known GossipMessage variant.
	ErrUnknownPayloadKind = errors.New("unknown payload kind")

	// ErrUnknownFrameKind is returned when a TransferFrame's kind tag does
	// not match any known variant.
	ErrUnknownFrameKind = errors.New("unknown transfer frame kind")
)
