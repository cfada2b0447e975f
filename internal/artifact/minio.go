package artifact

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the object storage connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioMirror uploads artifacts to an S3 compatible bucket.
type MinioMirror struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinioMirror connects to MinIO and makes sure the bucket exists.
func NewMinioMirror(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioMirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errExists := client.BucketExists(ctx, cfg.Bucket)
		if errExists != nil || !exists {
			return nil, fmt.Errorf("failed to make/verify MinIO bucket '%s': %w", cfg.Bucket, err)
		}
	}
	logger.Info("artifact mirror ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)

	return &MinioMirror{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

func (m *MinioMirror) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload artifact '%s': %w", key, err)
	}
	return nil
}

func (m *MinioMirror) RemovePrefix(ctx context.Context, prefix string) error {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for rerr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("failed to remove '%s': %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}
