// Package gcs archives raw crawled pages in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config names the bucket and optional key prefix for archived pages.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore implements crawler.BlobStore on GCS.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New validates cfg and binds it to client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *BlobStore) objectName(name string) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("gcs: object path is required")
	}
	if s.prefix == "" {
		return path.Clean(name), nil
	}
	return path.Join(s.prefix, name), nil
}

// PutObject uploads a page archive in a single request and returns its
// gs:// URI. Archives are immutable per content hash, so an existing object
// is overwritten with identical bytes.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	key, err := s.objectName(name)
	if err != nil {
		return "", err
	}
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.Metadata = map[string]string{"archived-by": "crawl-ingest"}

	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("gcs: upload %s: %w (close: %v)", key, err, closeErr)
		}
		return "", fmt.Errorf("gcs: upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: finalize %s: %w", key, err)
	}
	return "gs://" + s.bucket + "/" + key, nil
}
