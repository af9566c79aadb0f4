package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore uploads wheel objects to an S3-compatible backend.
type MinIOStore struct {
	client   *minio.Client
	bucket   string
	basePath string
	logger   *slog.Logger
}

// Option configures a MinIOStore.
type Option func(*MinIOStore)

// WithBasePath sets a key prefix applied in front of every Put/URL key,
// in addition to the caller-supplied key.
func WithBasePath(p string) Option {
	return func(s *MinIOStore) {
		s.basePath = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *MinIOStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewMinIOStore connects to an S3-compatible endpoint and ensures the
// target bucket exists, creating it if necessary.
func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool, opts ...Option) (*MinIOStore, error) {
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("objectstore: endpoint and bucket are required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: connecting to %s: %w", endpoint, err)
	}

	ctx := context.Background()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: checking bucket %s: %w", bucket, err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objectstore: creating bucket %s: %w", bucket, err)
		}
	}

	s := &MinIOStore{
		client: client,
		bucket: bucket,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

var _ Store = (*MinIOStore)(nil)

func (m *MinIOStore) objectKey(key string) string {
	if m.basePath == "" {
		return key
	}

	return m.basePath + "/" + key
}

// Put uploads data to bucket/basePath/key. Failures are the caller's to
// log; this method itself never panics or retries — the downloader
// treats object-store pushes as best-effort.
func (m *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	objectKey := m.objectKey(key)

	_, err := m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("objectstore: putting %s: %w", objectKey, err)
	}

	m.logger.Debug("uploaded to object store", slog.String("bucket", m.bucket), slog.String("key", objectKey))

	return nil
}

// URL returns the bucket-relative path MinIO stores key under. Presigned
// URL generation is deliberately not wired in here: the mirror's own HTTP
// server (internal/server) is the served surface, and a plain MinIO
// console/gateway URL would bypass its access logging.
func (m *MinIOStore) URL(key string) string {
	return fmt.Sprintf("%s/%s", m.bucket, m.objectKey(key))
}
