package upload

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"

	"golang.org/x/crypto/blake2b"
)

// Target stores photo blobs in remote object storage.
type Target interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ObjectKey returns the content-addressed key of a photo blob. Uploading the
// same bytes twice yields the same key, so a retried upload never creates a
// second object.
func ObjectKey(projectID string, data []byte) string {
	sum := blake2b.Sum256(data)
	return path.Join("photos", projectID, hex.EncodeToString(sum[:]))
}

// ContentType sniffs the MIME type of a blob.
func ContentType(data []byte) string {
	return http.DetectContentType(data)
}

// Config selects and configures an object storage backend.
type Config struct {
	Backend   string // minio, s3 or none
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewTarget builds the configured target. Backend "none" or "" returns nil.
func NewTarget(ctx context.Context, cfg Config) (Target, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "minio":
		t, err := NewMinioTarget(cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "s3":
		t, err := NewS3Target(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown upload backend %q", cfg.Backend)
}
