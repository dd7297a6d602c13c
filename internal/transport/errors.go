package transport

import "errors"

var (
	// ErrNotConnected is returned by Send when no live connection exists
	// for the target NodeId.
	ErrNotConnected = errors.New("transport: peer not connected")

	// ErrDialFailed is returned when every candidate address for a dial
	// attempt failed.
	ErrDialFailed = errors.New("transport: dial failed, no address reachable")

	// ErrHandshakeFailed is returned when the peer's first stream does not
	// carry a parseable NodeId.
	ErrHandshakeFailed = errors.New("transport: identity handshake failed")

	// ErrClosed is returned by operations attempted after Close.
	ErrClosed = errors.New("transport: closed")
)
