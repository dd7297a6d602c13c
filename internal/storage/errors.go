package storage

import "errors"

// ErrNotFound is returned by a Storage Port when a lookup by id finds
// nothing. Per spec.md §7, callers (background loops) log and continue
// rather than propagate this out of a tick.
var ErrNotFound = errors.New("storage: not found")
