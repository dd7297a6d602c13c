package repo

import (
	"testing"

	"github.com/shurlinet/megaengine/internal/wire"
)

func TestReconcileInsertsUnknownRepo(t *testing.T) {
	advertised := wire.RepoDescriptor{RepoID: "did:repo:x", Refs: map[string]string{"main": "h1"}}
	if got := Reconcile(nil, false, nil, advertised); got != ActionInsert {
		t.Fatalf("got %v, want ActionInsert", got)
	}
}

func TestReconcileIgnoresOwnedLocalCopy(t *testing.T) {
	local := &wire.RepoDescriptor{RepoID: "did:repo:x", Refs: map[string]string{"main": "h1"}}
	advertised := wire.RepoDescriptor{RepoID: "did:repo:x", Refs: map[string]string{"main": "h2"}}
	if got := Reconcile(local, false, local.Refs, advertised); got != ActionIgnore {
		t.Fatalf("got %v, want ActionIgnore", got)
	}
}

func TestReconcileIgnoresMatchingExternalRefs(t *testing.T) {
	local := &wire.RepoDescriptor{RepoID: "did:repo:x", IsExternal: true}
	refs := map[string]string{"main": "h1"}
	advertised := wire.RepoDescriptor{RepoID: "did:repo:x", Refs: refs}
	if got := Reconcile(local, true, refs, advertised); got != ActionIgnore {
		t.Fatalf("got %v, want ActionIgnore", got)
	}
}

func TestReconcileMarksStaleOnRefMismatch(t *testing.T) {
	local := &wire.RepoDescriptor{RepoID: "did:repo:x", IsExternal: true}
	localRefs := map[string]string{"main": "h1"}
	advertised := wire.RepoDescriptor{RepoID: "did:repo:x", Refs: map[string]string{"main": "h2"}}
	if got := Reconcile(local, true, localRefs, advertised); got != ActionMarkStale {
		t.Fatalf("got %v, want ActionMarkStale", got)
	}
}
