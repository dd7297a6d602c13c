package repo

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestDeriveRepoIDDeterministic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	root := []byte("root-commit-bytes")

	id1, err := DeriveRepoID(root, pub)
	if err != nil {
		t.Fatalf("DeriveRepoID: %v", err)
	}
	id2, err := DeriveRepoID(root, pub)
	if err != nil {
		t.Fatalf("DeriveRepoID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("two derivations from the same inputs disagreed: %s vs %s", id1, id2)
	}
	if !strings.HasPrefix(string(id1), RepoIDPrefix) {
		t.Fatalf("RepoID %q missing prefix %q", id1, RepoIDPrefix)
	}
}

func TestDeriveRepoIDDiffersByInput(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)

	idA, err := DeriveRepoID([]byte("commit-a"), pub)
	if err != nil {
		t.Fatalf("DeriveRepoID: %v", err)
	}
	idB, err := DeriveRepoID([]byte("commit-b"), pub)
	if err != nil {
		t.Fatalf("DeriveRepoID: %v", err)
	}
	if idA == idB {
		t.Fatal("distinct root commits produced the same RepoID")
	}
}

func TestParseRepoIDRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := DeriveRepoID([]byte("root"), pub)
	if err != nil {
		t.Fatalf("DeriveRepoID: %v", err)
	}
	parsed, err := ParseRepoID(string(id))
	if err != nil {
		t.Fatalf("ParseRepoID: %v", err)
	}
	if parsed != id {
		t.Fatalf("parsed %q != original %q", parsed, id)
	}
}

func TestParseRepoIDRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"did:repo:",
		"did:key:z2DeZG8TuHkTvrJ7jijysNsQTpTiu9tRQkxcPmmem1tHvVP",
		"did:repo:xyz123",
	}
	for _, c := range cases {
		if _, err := ParseRepoID(c); err == nil {
			t.Errorf("ParseRepoID(%q) succeeded, want error", c)
		}
	}
}

func TestEncodeFilesystemFragment(t *testing.T) {
	got := EncodeFilesystemFragment("did:key:abc/def:ghi")
	want := "did_key_abc_def_ghi"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
