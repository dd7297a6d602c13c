package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"runtime"

	"github.com/shurlinet/megaengine/internal/storage"
)

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// FileStore is a storage.IdentityStore backed by a single file holding the
// raw ed25519 private key, permission-checked the same way a host key file
// is on every load.
type FileStore struct {
	path string
}

// NewFileStore returns an IdentityStore that persists the keypair at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LoadKeypair reads the raw ed25519 private key from the store's file. It
// returns an error (not a sentinel) when the file doesn't exist yet; callers
// that want "generate on first run" semantics treat any error as "no
// identity yet," matching netcore.loadOrGenerateIdentity.
func (s *FileStore) LoadKeypair(ctx context.Context) ([]byte, error) {
	if err := CheckKeyFilePermissions(s.path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", s.path, err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file %s: unexpected length %d, want %d", s.path, len(data), ed25519.PrivateKeySize)
	}
	return data, nil
}

// SaveKeypair writes priv to the store's file with 0600 permissions.
func (s *FileStore) SaveKeypair(ctx context.Context, priv []byte) error {
	if err := os.WriteFile(s.path, priv, 0o600); err != nil {
		return fmt.Errorf("write key file %s: %w", s.path, err)
	}
	return nil
}

var _ storage.IdentityStore = (*FileStore)(nil)
