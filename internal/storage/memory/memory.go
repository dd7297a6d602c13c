// Package memory implements an in-memory reference implementation of the
// Storage Ports (internal/storage), used by engine tests in place of the
// production SQLite/Git-toolchain backends named as external collaborators
// in spec.md §1 and §6.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/wire"
)

// RepoStore is a mutex-guarded in-memory storage.RepoStore.
type RepoStore struct {
	mu    sync.RWMutex
	repos map[string]wire.RepoDescriptor
}

func NewRepoStore() *RepoStore {
	return &RepoStore{repos: make(map[string]wire.RepoDescriptor)}
}

func (s *RepoStore) Save(_ context.Context, r wire.RepoDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.RepoID] = r
	return nil
}

func (s *RepoStore) Load(_ context.Context, repoID string) (wire.RepoDescriptor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[repoID]
	return r, ok, nil
}

func (s *RepoStore) Delete(_ context.Context, repoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, repoID)
	return nil
}

func (s *RepoStore) List(_ context.Context) ([]wire.RepoDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.RepoDescriptor, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, r)
	}
	return out, nil
}

func (s *RepoStore) UpdateBundlePath(_ context.Context, repoID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[repoID]
	if !ok {
		return fmt.Errorf("memory: repo %s: %w", repoID, storage.ErrNotFound)
	}
	r.BundlePath = path
	s.repos[repoID] = r
	return nil
}

// RefStore is a mutex-guarded in-memory storage.RefStore.
type RefStore struct {
	mu   sync.RWMutex
	refs map[string]map[string]string
}

func NewRefStore() *RefStore {
	return &RefStore{refs: make(map[string]map[string]string)}
}

func (s *RefStore) BatchSave(_ context.Context, repoID string, refs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]string, len(refs))
	for k, v := range refs {
		copied[k] = v
	}
	s.refs[repoID] = copied
	return nil
}

func (s *RefStore) Load(_ context.Context, repoID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs, ok := s.refs[repoID]
	if !ok {
		return map[string]string{}, nil
	}
	copied := make(map[string]string, len(refs))
	for k, v := range refs {
		copied[k] = v
	}
	return copied, nil
}

func (s *RefStore) DeleteAll(_ context.Context, repoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, repoID)
	return nil
}

// NodeStore is a mutex-guarded in-memory storage.NodeStore.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]wire.NodeAnnouncement
}

func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string]wire.NodeAnnouncement)}
}

func (s *NodeStore) Save(_ context.Context, n wire.NodeAnnouncement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.NodeID] = n
	return nil
}

func (s *NodeStore) Load(_ context.Context, nodeID string) (wire.NodeAnnouncement, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	return n, ok, nil
}

func (s *NodeStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// ChatStore is a mutex-guarded in-memory storage.ChatStore.
type ChatStore struct {
	mu       sync.RWMutex
	messages map[string]storage.ChatMessage
}

func NewChatStore() *ChatStore {
	return &ChatStore{messages: make(map[string]storage.ChatMessage)}
}

func (s *ChatStore) Save(_ context.Context, m storage.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *ChatStore) FindByID(_ context.Context, msgID string) (storage.ChatMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[msgID]
	return m, ok, nil
}

func (s *ChatStore) UpdateStatus(_ context.Context, msgID string, status storage.ChatStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgID]
	if !ok {
		return fmt.Errorf("memory: chat message %s: %w", msgID, storage.ErrNotFound)
	}
	m.Status = status
	s.messages[msgID] = m
	return nil
}

func (s *ChatStore) FindByStatus(_ context.Context, status storage.ChatStatus) ([]storage.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.ChatMessage
	for _, m := range s.messages {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// IdentityStore is a mutex-guarded in-memory storage.IdentityStore.
type IdentityStore struct {
	mu   sync.RWMutex
	priv []byte
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{}
}

func (s *IdentityStore) LoadKeypair(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		return nil, fmt.Errorf("memory: %w", storage.ErrNotFound)
	}
	out := make([]byte, len(s.priv))
	copy(out, s.priv)
	return out, nil
}

func (s *IdentityStore) SaveKeypair(_ context.Context, priv []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priv = append([]byte(nil), priv...)
	return nil
}
