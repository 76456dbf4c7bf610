package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/config"
)

// Minio wraps the S3-compatible client holding attachment bytes.
type Minio struct {
	Client *minio.Client
	Bucket string
}

// NewMinio builds the client and creates the private attachments bucket when
// missing.
func NewMinio(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created attachment bucket", zap.String("bucket", cfg.Bucket))
	}

	return &Minio{Client: client, Bucket: cfg.Bucket}, nil
}

// Ping verifies the bucket is reachable.
func (m *Minio) Ping(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return errors.New("minio client not configured")
	}
	_, err := m.Client.BucketExists(ctx, m.Bucket)
	return err
}
