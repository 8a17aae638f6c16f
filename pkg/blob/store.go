// Package blob provides content-addressable binary storage for document
// version content. Blobs are keyed by their SHA-256 hash, so identical
// content is stored once regardless of how many versions reference it.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when a blob does not exist for the given hash.
	ErrNotFound = errors.New("blob not found")
)

// Store is the interface for content-addressable blob storage.
type Store interface {
	// Put stores content and returns its SHA-256 hash (lowercase hex).
	// Storing content that already exists is a no-op returning the same hash.
	Put(ctx context.Context, content io.Reader) (string, error)

	// Get returns a reader for the content with the given hash.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// Exists reports whether content with the given hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)

	// Delete removes the content with the given hash. Deleting a missing
	// blob is not an error.
	Delete(ctx context.Context, hash string) error
}

// HashContent computes the SHA-256 hash of content as lowercase hex.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// shardedKey builds a storage key of the form sha256/ab/cdef... so that
// no single directory or prefix accumulates every object.
func shardedKey(hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("invalid content hash %q: expected 64 hex characters", hash)
	}
	return fmt.Sprintf("sha256/%s/%s", hash[:2], hash[2:]), nil
}
