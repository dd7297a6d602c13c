package transfer

import "errors"

var (
	// ErrNoSuchRepo is returned when a Request frame names a repo this node
	// has no local bundle for.
	ErrNoSuchRepo = errors.New("transfer: no such local repo")
	// ErrUnknownTransfer is returned for a Done frame whose (sender, repo)
	// pair has no inbound transfer on record. A Chunk with no prior Start
	// instead creates one on demand; only Done has no such fallback.
	ErrUnknownTransfer = errors.New("transfer: done frame with no matching transfer")
	// ErrIncompleteTransfer is returned when a Done frame arrives but fewer
	// bytes than TotalSize were ever written.
	ErrIncompleteTransfer = errors.New("transfer: done received before all bytes were written")
)
