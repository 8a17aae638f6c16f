package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore stores blobs on the local filesystem under a root
// directory, sharded by hash prefix.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a filesystem blob store rooted at the given
// directory, creating it if necessary.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) pathFor(hash string) (string, error) {
	key, err := shardedKey(hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put stores content and returns its SHA-256 hash. The write goes through
// a temp file and rename so a crash never leaves a partial blob at the
// final path.
func (s *FilesystemStore) Put(ctx context.Context, content io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	path, err := s.pathFor(hash)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		// Already stored; dedup hit.
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to place blob: %w", err)
	}
	return hash, nil
}

// Get returns a reader for the blob with the given hash.
func (s *FilesystemStore) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Exists reports whether a blob with the given hash is stored.
func (s *FilesystemStore) Exists(ctx context.Context, hash string) (bool, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// Delete removes the blob with the given hash.
func (s *FilesystemStore) Delete(ctx context.Context, hash string) error {
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
