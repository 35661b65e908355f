//go:build gcp

package casstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSConfig configures a GCS-backed Store.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSStore implements Store over a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCS-backed Store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("casstore: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return NewGCSStore(ctx, GCSConfig{Bucket: bucket, Prefix: prefix})
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := contentHash(data)
	raw := strings.TrimPrefix(hash, hashPrefix)

	if _, err := s.object(raw).Attrs(ctx); err == nil {
		return hash, nil
	}

	w := s.object(raw).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("casstore: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("casstore: gcs commit: %w", err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("casstore: gcs get %s: %w", hash, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	if _, err := s.object(raw).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("casstore: gcs stat: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	if err := s.object(raw).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("casstore: gcs delete %s: %w", hash, err)
	}
	return nil
}
