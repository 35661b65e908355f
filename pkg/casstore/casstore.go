// Package casstore is a content-addressed blob store for artifacts
// referenced from the vault but opaque to the core (spec.md §3's
// artifacts/cas/** tree — WASM reducer/exporter plugins, attachment
// blobs referenced by event payloads, and similar out-of-band content).
package casstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is a content-addressed blob store keyed by "sha256:<hex>".
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

const hashPrefix = "sha256:"

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

func rawHash(hash string) (string, error) {
	if !strings.HasPrefix(hash, hashPrefix) {
		return "", fmt.Errorf("casstore: invalid hash format: %s", hash)
	}
	raw := strings.TrimPrefix(hash, hashPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("casstore: invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileStore is a filesystem-backed Store rooted at baseDir, the
// default "local" backend.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates (if needed) baseDir and returns a FileStore over it.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("casstore: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

// Put persists data and returns its content hash. Idempotent.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(data)
	raw := strings.TrimPrefix(hash, hashPrefix)
	path := s.blobPath(raw)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("casstore: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("casstore: commit blob: %w", err)
	}
	return hash, nil
}

// Get retrieves data by content hash.
func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("casstore: blob not found: %s", hash)
		}
		return nil, fmt.Errorf("casstore: open blob: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Exists reports whether a blob for hash is present.
func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.blobPath(raw)); err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	} else {
		return false, fmt.Errorf("casstore: stat blob: %w", err)
	}
}

// Delete removes a blob by hash. Deleting a missing blob is not an error.
func (s *FileStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("casstore: delete blob: %w", err)
	}
	return nil
}

// Open selects a Store backend by name ("local", "s3", "gcs") per
// pkg/config's CASBackend/CASBucket fields.
func Open(ctx context.Context, backend, localDir, bucket, prefix string) (Store, error) {
	switch backend {
	case "", "local":
		return NewFileStore(localDir)
	case "s3":
		return NewS3Store(ctx, S3Config{Bucket: bucket, Prefix: prefix})
	case "gcs":
		return newGCSStore(ctx, bucket, prefix)
	default:
		return nil, fmt.Errorf("casstore: unknown backend %q", backend)
	}
}
