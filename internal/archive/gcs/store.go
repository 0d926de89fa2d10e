// Package gcs implements a Google Cloud Storage blob store.
package gcs

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Store uploads archived page bodies to a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	log    *zap.Logger
}

// New initializes a GCS client and verifies the bucket is reachable.
// Authentication uses Application Default Credentials.
func New(ctx context.Context, bucket, prefix string, log *zap.Logger) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	s, err := NewWithClient(ctx, client, bucket, prefix, log)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && log != nil {
			log.Warn("close gcs client after bucket check failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client, verifying bucket access so
// misconfiguration fails at startup.
func NewWithClient(ctx context.Context, client *storage.Client, bucket, prefix string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("check gcs bucket %q: %w", bucket, err)
	}
	return &Store{client: client, bucket: bucket, prefix: prefix, log: log.Named("archive.gcs")}, nil
}

// Put uploads the body and returns its gs:// URI.
func (s *Store) Put(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	key := path.Join(s.prefix, objectPath)
	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			s.log.Warn("close gcs writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", key, err)
	}
	// Close finalizes the upload; until it returns the object is not
	// committed.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("commit gcs object %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
