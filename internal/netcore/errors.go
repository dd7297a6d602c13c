// Package netcore wires the Identity, Transport, Gossip, Transfer, and
// Messaging subsystems into a single runnable Node (spec.md §5) and defines
// the cross-cutting error taxonomy callers above the engine packages
// classify failures against.
package netcore

import "errors"

var (
	// ErrNoRoute is returned when an operation needs a connected peer (or a
	// peer reachable via flood) and none is available.
	ErrNoRoute = errors.New("netcore: no route to peer")
	// ErrUnknownPeer is returned when a caller names a NodeId the node has
	// no announcement or connection record for.
	ErrUnknownPeer = errors.New("netcore: unknown peer")
	// ErrTransferLost is returned when a bulk transfer cannot be completed
	// or resumed (e.g. its in-progress state was dropped on shutdown).
	ErrTransferLost = errors.New("netcore: transfer lost")
	// ErrStorageFailure wraps an underlying Storage Port error the caller
	// could not recover from.
	ErrStorageFailure = errors.New("netcore: storage failure")
	// ErrGitToolFailure wraps an underlying GitTool error the caller could
	// not recover from.
	ErrGitToolFailure = errors.New("netcore: git tool failure")
)
