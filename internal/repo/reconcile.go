package repo

import (
	"reflect"

	"github.com/shurlinet/megaengine/internal/wire"
)

// Action is the outcome of reconciling one advertised RepoDescriptor against
// local state, per spec.md §4.4.2.
type Action int

const (
	// ActionIgnore: nothing to do — either the local copy is authoritative
	// or refs already match.
	ActionIgnore Action = iota
	// ActionInsert: the repo was unknown locally; insert it as external
	// with empty local_path/bundle_path.
	ActionInsert
	// ActionMarkStale: local refs disagree with the advertisement; delete
	// the bundle file and ref rows, store the new refs, clear bundle_path.
	// A later pull-loop tick will request a fresh bundle.
	ActionMarkStale
)

// Reconcile decides what to do with an advertised descriptor `advertised`
// given the caller's lookup of local state:
//   - local == nil: no local descriptor exists for this repo id.
//   - local != nil: localIsExternal reports whether the existing local copy
//     is itself external (learned from a peer) rather than owned, and
//     localRefs holds the refs as currently known locally (from the bundle
//     file if one exists, else from the refs table — the caller resolves
//     that source per spec.md §4.4.2 before calling Reconcile).
func Reconcile(local *wire.RepoDescriptor, localIsExternal bool, localRefs map[string]string, advertised wire.RepoDescriptor) Action {
	if local == nil {
		return ActionInsert
	}
	if !localIsExternal {
		// The local copy is authoritative; a peer's view of it never wins.
		return ActionIgnore
	}
	if reflect.DeepEqual(localRefs, advertised.Refs) {
		return ActionIgnore
	}
	return ActionMarkStale
}
