package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shuttle/internal/config"
)

// Minio is a Store backed by minio-go.
type Minio struct {
	client *minio.Client
}

// NewMinio creates a client that always uses path-style addressing and
// SigV4 with the configured static credentials. Requests are attempted once.
func NewMinio(cfg config.Config) (*Minio, error) {
	u, err := cfg.EndpointURL()
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
		MaxRetries:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &Minio{client: client}, nil
}

func (m *Minio) ListBuckets(ctx context.Context) error {
	if _, err := m.client.ListBuckets(ctx); err != nil {
		return minioError(ctx, "ListBuckets", err)
	}
	return nil
}

func (m *Minio) HeadBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return minioError(ctx, "HeadBucket", err)
	}
	if !exists {
		return &Error{
			Op:         "HeadBucket",
			Code:       CodeNoSuchBucket,
			Message:    "The specified bucket does not exist.",
			StatusCode: http.StatusNotFound,
		}
	}
	return nil
}

func (m *Minio) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return minioError(ctx, "PutObject", err)
	}
	return nil
}

func (m *Minio) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return minioError(ctx, "RemoveObject", err)
	}
	return nil
}

func (m *Minio) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
	if err != nil {
		return "", minioError(ctx, "PresignGet", err)
	}
	return u.String(), nil
}

func minioError(ctx context.Context, op string, err error) *Error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" && resp.StatusCode == 0 {
		return timeoutError(ctx, op, err)
	}
	return &Error{
		Op:         op,
		Code:       resp.Code,
		Message:    resp.Message,
		StatusCode: resp.StatusCode,
		Err:        err,
	}
}
