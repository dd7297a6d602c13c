// Package storage defines the narrow Storage Ports (spec.md §6) that every
// engine consumes but none implements: repository/ref/node/chat persistence,
// identity keypair persistence, and Git pack/bundle extraction. Production
// backends (SQLite, an external git binary) are external collaborators and
// live outside this module; internal/storage/memory provides an in-memory
// reference implementation used by engine tests.
package storage

import (
	"context"

	"github.com/shurlinet/megaengine/internal/wire"
)

// ChatStatus is a ChatMessage's delivery state.
type ChatStatus string

const (
	ChatStatusSending   ChatStatus = "sending"
	ChatStatusSent      ChatStatus = "sent"
	ChatStatusDelivered ChatStatus = "delivered"
	ChatStatusFailed    ChatStatus = "failed"
)

// ChatMessage is a persisted chat row, per spec.md §3.
type ChatMessage struct {
	ID        string
	From      string
	To        string
	Plaintext string
	CreatedAt int64
	Status    ChatStatus
}

// RepoStore persists RepoDescriptors.
type RepoStore interface {
	Save(ctx context.Context, r wire.RepoDescriptor) error
	Load(ctx context.Context, repoID string) (wire.RepoDescriptor, bool, error)
	Delete(ctx context.Context, repoID string) error
	List(ctx context.Context) ([]wire.RepoDescriptor, error)
	UpdateBundlePath(ctx context.Context, repoID, path string) error
}

// RefStore persists a repository's ref-name -> commit-hash mapping,
// independent of the RepoDescriptor row so the gossip reconciler can
// replace refs atomically without touching description fields.
type RefStore interface {
	BatchSave(ctx context.Context, repoID string, refs map[string]string) error
	Load(ctx context.Context, repoID string) (map[string]string, error)
	DeleteAll(ctx context.Context, repoID string) error
}

// NodeStore persists known peers' NodeAnnouncements.
type NodeStore interface {
	Save(ctx context.Context, n wire.NodeAnnouncement) error
	Load(ctx context.Context, nodeID string) (wire.NodeAnnouncement, bool, error)
	Delete(ctx context.Context, nodeID string) error
}

// ChatStore persists ChatMessage rows.
type ChatStore interface {
	Save(ctx context.Context, m ChatMessage) error
	FindByID(ctx context.Context, msgID string) (ChatMessage, bool, error)
	UpdateStatus(ctx context.Context, msgID string, status ChatStatus) error
	FindByStatus(ctx context.Context, status ChatStatus) ([]ChatMessage, error)
}

// IdentityStore persists the node's long-term signing keypair.
type IdentityStore interface {
	LoadKeypair(ctx context.Context) ([]byte, error) // raw ed25519 private key bytes
	SaveKeypair(ctx context.Context, priv []byte) error
}

// GitTool delegates Git-specific pack/bundle/ref operations to an external
// Git toolchain. Blocking: callers must dispatch to a worker pool rather
// than invoke it from a transport receive task (spec.md §5, §9).
type GitTool interface {
	PackBundle(ctx context.Context, repoPath, outPath string) error
	ExtractBundleRefs(ctx context.Context, bundlePath string) (map[string]string, error)
	ReadRepoRefs(ctx context.Context, repoPath string) (map[string]string, error)
	CloneFromBundle(ctx context.Context, bundlePath, targetDir string) error
	PullFromBundle(ctx context.Context, repoPath, bundlePath, branch string) error
}
