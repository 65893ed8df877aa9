package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioTarget stores blobs in an S3-compatible bucket through minio-go.
type MinioTarget struct {
	client *minio.Client
	bucket string
}

// NewMinioTarget connects to cfg.Endpoint with static credentials.
func NewMinioTarget(cfg Config) (*MinioTarget, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio target needs an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioTarget{client: client, bucket: cfg.Bucket}, nil
}

// Put implements Target.
func (t *MinioTarget) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := t.client.PutObject(ctx, t.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", t.bucket, key, err)
	}
	return nil
}

// Exists implements Target.
func (t *MinioTarget) Exists(ctx context.Context, key string) (bool, error) {
	_, err := t.client.StatObject(ctx, t.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s/%s: %w", t.bucket, key, err)
}
