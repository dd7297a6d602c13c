package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shurlinet/megaengine/internal/storage"
	"github.com/shurlinet/megaengine/internal/wire"
)

// diskState is the whole of a node's non-identity persisted state, mirroring
// internal/storage/memory's map shapes but flushed to a single JSON file
// after every mutation so CLI invocations see each other's writes across
// process runs.
type diskState struct {
	Repos map[string]wire.RepoDescriptor  `json:"repos"`
	Refs  map[string]map[string]string    `json:"refs"`
	Nodes map[string]wire.NodeAnnouncement `json:"nodes"`
	Chats map[string]storage.ChatMessage  `json:"chats"`
}

// fileStores guards diskState and persists it to path on every write. It
// backs the four non-identity Storage Ports for the CLI, which has no
// database of its own to hand the engines — identity.FileStore covers the
// fifth (spec.md §6).
type fileStores struct {
	mu    sync.Mutex
	path  string
	state diskState
}

// newFileStores loads path if it exists, or starts empty. The directory
// containing path is created if needed.
func newFileStores(path string) (*fileStores, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	f := &fileStores{
		path: path,
		state: diskState{
			Repos: make(map[string]wire.RepoDescriptor),
			Refs:  make(map[string]map[string]string),
			Nodes: make(map[string]wire.NodeAnnouncement),
			Chats: make(map[string]storage.ChatMessage),
		},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return f, nil
}

// saveLocked writes the current state to disk. Callers must hold f.mu.
func (f *fileStores) saveLocked() error {
	data, err := json.MarshalIndent(f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file %s: %w", f.path, err)
	}
	return nil
}

// repoFileStore implements storage.RepoStore over a shared fileStores.
type repoFileStore struct{ f *fileStores }

func (s *repoFileStore) Save(_ context.Context, r wire.RepoDescriptor) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.state.Repos[r.RepoID] = r
	return s.f.saveLocked()
}

func (s *repoFileStore) Load(_ context.Context, repoID string) (wire.RepoDescriptor, bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	r, ok := s.f.state.Repos[repoID]
	return r, ok, nil
}

func (s *repoFileStore) Delete(_ context.Context, repoID string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.state.Repos, repoID)
	return s.f.saveLocked()
}

func (s *repoFileStore) List(_ context.Context) ([]wire.RepoDescriptor, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	out := make([]wire.RepoDescriptor, 0, len(s.f.state.Repos))
	for _, r := range s.f.state.Repos {
		out = append(out, r)
	}
	return out, nil
}

func (s *repoFileStore) UpdateBundlePath(_ context.Context, repoID, path string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	r, ok := s.f.state.Repos[repoID]
	if !ok {
		return fmt.Errorf("filestore: repo %s: %w", repoID, storage.ErrNotFound)
	}
	r.BundlePath = path
	s.f.state.Repos[repoID] = r
	return s.f.saveLocked()
}

// refFileStore implements storage.RefStore over a shared fileStores.
type refFileStore struct{ f *fileStores }

func (s *refFileStore) BatchSave(_ context.Context, repoID string, refs map[string]string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	copied := make(map[string]string, len(refs))
	for k, v := range refs {
		copied[k] = v
	}
	s.f.state.Refs[repoID] = copied
	return s.f.saveLocked()
}

func (s *refFileStore) Load(_ context.Context, repoID string) (map[string]string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	refs, ok := s.f.state.Refs[repoID]
	if !ok {
		return map[string]string{}, nil
	}
	copied := make(map[string]string, len(refs))
	for k, v := range refs {
		copied[k] = v
	}
	return copied, nil
}

func (s *refFileStore) DeleteAll(_ context.Context, repoID string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.state.Refs, repoID)
	return s.f.saveLocked()
}

// nodeFileStore implements storage.NodeStore over a shared fileStores.
type nodeFileStore struct{ f *fileStores }

func (s *nodeFileStore) Save(_ context.Context, n wire.NodeAnnouncement) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.state.Nodes[n.NodeID] = n
	return s.f.saveLocked()
}

func (s *nodeFileStore) Load(_ context.Context, nodeID string) (wire.NodeAnnouncement, bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	n, ok := s.f.state.Nodes[nodeID]
	return n, ok, nil
}

func (s *nodeFileStore) Delete(_ context.Context, nodeID string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.state.Nodes, nodeID)
	return s.f.saveLocked()
}

// chatFileStore implements storage.ChatStore over a shared fileStores.
type chatFileStore struct{ f *fileStores }

func (s *chatFileStore) Save(_ context.Context, m storage.ChatMessage) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.state.Chats[m.ID] = m
	return s.f.saveLocked()
}

func (s *chatFileStore) FindByID(_ context.Context, msgID string) (storage.ChatMessage, bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	m, ok := s.f.state.Chats[msgID]
	return m, ok, nil
}

func (s *chatFileStore) UpdateStatus(_ context.Context, msgID string, status storage.ChatStatus) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	m, ok := s.f.state.Chats[msgID]
	if !ok {
		return fmt.Errorf("filestore: chat message %s: %w", msgID, storage.ErrNotFound)
	}
	m.Status = status
	s.f.state.Chats[msgID] = m
	return s.f.saveLocked()
}

func (s *chatFileStore) FindByStatus(_ context.Context, status storage.ChatStatus) ([]storage.ChatMessage, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	var out []storage.ChatMessage
	for _, m := range s.f.state.Chats {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// openStores loads (or initializes) the four non-identity Storage Ports and
// the identity store from dataDir, and returns a netcore.Stores bundle ready
// to wire into a Node.
func openStores(dataDir string) (repos *repoFileStore, refs *refFileStore, nodes *nodeFileStore, chats *chatFileStore, err error) {
	f, err := newFileStores(filepath.Join(dataDir, "state.json"))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return &repoFileStore{f}, &refFileStore{f}, &nodeFileStore{f}, &chatFileStore{f}, nil
}

var (
	_ storage.RepoStore = (*repoFileStore)(nil)
	_ storage.RefStore   = (*refFileStore)(nil)
	_ storage.NodeStore  = (*nodeFileStore)(nil)
	_ storage.ChatStore  = (*chatFileStore)(nil)
)
