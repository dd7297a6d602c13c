package memory

import (
	"context"
	"testing"

	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/wire"
)

func TestRepoStoreSaveLoadUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewRepoStore()

	r := wire.RepoDescriptor{RepoID: "did:repo:x", Name: "demo"}
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Load(ctx, "did:repo:x")
	if err != nil || !ok {
		t.Fatalf("Load: got=%v ok=%v err=%v", got, ok, err)
	}
	if got.Name != "demo" {
		t.Fatalf("Name = %q, want demo", got.Name)
	}

	if err := s.UpdateBundlePath(ctx, "did:repo:x", "/tmp/x.bundle"); err != nil {
		t.Fatalf("UpdateBundlePath: %v", err)
	}
	got, _, _ = s.Load(ctx, "did:repo:x")
	if got.BundlePath != "/tmp/x.bundle" {
		t.Fatalf("BundlePath = %q", got.BundlePath)
	}

	if err := s.UpdateBundlePath(ctx, "did:repo:missing", "/x"); err == nil {
		t.Fatal("expected error updating a missing repo")
	}

	if err := s.Delete(ctx, "did:repo:x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "did:repo:x"); ok {
		t.Fatal("repo still present after delete")
	}
}

func TestChatStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewChatStore()

	msg := storage.ChatMessage{ID: "m1", From: "a", To: "b", Status: storage.ChatStatusSending}
	if err := s.Save(ctx, msg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	pending, err := s.FindByStatus(ctx, storage.ChatStatusSending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("FindByStatus: %v %v", pending, err)
	}

	if err := s.UpdateStatus(ctx, "m1", storage.ChatStatusDelivered); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, ok, err := s.FindByID(ctx, "m1")
	if err != nil || !ok || got.Status != storage.ChatStatusDelivered {
		t.Fatalf("FindByID after update: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestRefStoreBatchSaveIsolatesCallerMap(t *testing.T) {
	ctx := context.Background()
	s := NewRefStore()
	refs := map[string]string{"main": "h1"}
	if err := s.BatchSave(ctx, "r1", refs); err != nil {
		t.Fatalf("BatchSave: %v", err)
	}
	refs["main"] = "mutated"

	got, err := s.Load(ctx, "r1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["main"] != "h1" {
		t.Fatalf("store was mutated via caller's map: got %q", got["main"])
	}
}
