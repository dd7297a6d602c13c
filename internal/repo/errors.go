package repo

import "errors"

var (
	// ErrInvalidRepoID is returned when a RepoId's textual form cannot be
	// decoded or fails structural validation.
	ErrInvalidRepoID = errors.New("invalid repo id")

	// ErrNotOwned is returned when a peer is asked to serve a repository it
	// holds only as an external (not-owned) descriptor.
	ErrNotOwned = errors.New("repository not owned by this node")

	// ErrRepoNotFound is returned when no descriptor exists for a repo id.
	ErrRepoNotFound = errors.New("repository not found")
)
