// Package repo implements RepoId derivation and the RepoDescriptor
// reconciliation helpers used by the gossip engine's inventory handling.
package repo

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// RepoIDPrefix is the textual scheme prefix for every RepoId.
const RepoIDPrefix = "did:repo:"

// RepoID is the stable textual identifier bound to the tuple
// (repository-root-content-digest, creator-verification-key). Unlike
// NodeId, it is a one-way content hash: it does not decode back to its
// inputs, only to a reproducible digest two honest peers agree on
// byte-for-byte.
type RepoID string

// DeriveRepoID computes the RepoId for a repository whose root commit is
// rootCommit, created by the holder of creatorPublicKey.
//
// The underlying digest is SHA-256 over rootCommit||creatorPublicKey (see
// DESIGN.md's Open Question log for why this implementation uses SHA-256
// rather than the legacy SHA3-256 multihash the original Rust prototype
// used: spec.md never names the digest, and SHA-256 is the primitive this
// spec uses everywhere else).
func DeriveRepoID(rootCommit, creatorPublicKey []byte) (RepoID, error) {
	data := make([]byte, 0, len(rootCommit)+len(creatorPublicKey))
	data = append(data, rootCommit...)
	data = append(data, creatorPublicKey...)
	digest := sha256.Sum256(data)

	mhash, err := multihash.Encode(digest[:], multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("repo: multihash encode: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mhash)
	enc, err := multibase.Encode(multibase.Base58BTC, c.Bytes())
	if err != nil {
		return "", fmt.Errorf("repo: multibase encode: %w", err)
	}
	return RepoID(RepoIDPrefix + enc), nil
}

// ParseRepoID validates s's structural well-formedness (prefix, multibase
// encoding, valid CID-wrapped multihash) and returns it as a RepoID.
func ParseRepoID(s string) (RepoID, error) {
	if !strings.HasPrefix(s, RepoIDPrefix) {
		return "", fmt.Errorf("repo: %w: missing %q prefix", ErrInvalidRepoID, RepoIDPrefix)
	}
	encoded := s[len(RepoIDPrefix):]
	if encoded == "" {
		return "", fmt.Errorf("repo: %w: empty encoded part", ErrInvalidRepoID)
	}
	base, data, err := multibase.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("repo: %w: multibase decode: %v", ErrInvalidRepoID, err)
	}
	if base != multibase.Base58BTC {
		return "", fmt.Errorf("repo: %w: unexpected multibase %v", ErrInvalidRepoID, base)
	}
	if _, err := cid.Cast(data); err != nil {
		return "", fmt.Errorf("repo: %w: cid decode: %v", ErrInvalidRepoID, err)
	}
	return RepoID(s), nil
}

// String implements fmt.Stringer.
func (r RepoID) String() string {
	return string(r)
}

// EncodeFilesystemFragment renders s as a filesystem-safe path fragment by
// replacing characters illegal in a path component, matching the original
// implementation's node-id/repo-id encoding used for bundle storage paths
// (see spec.md §6's filesystem layout).
func EncodeFilesystemFragment(s string) string {
	r := strings.NewReplacer(":", "_", "/", "_")
	return r.Replace(s)
}
