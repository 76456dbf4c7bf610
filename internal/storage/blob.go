// Package storage keeps raw attachment bytes in an S3-compatible bucket.
// Analysis jobs carry only the object key.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Object is a stored attachment payload.
type Object struct {
	Data     []byte
	MimeType string
}

// BlobStore reads and writes attachment payloads.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) error
	Get(ctx context.Context, key string) (*Object, error)
}

// Key builds the object key for an attachment of a ticket.
func Key(ticketID, attachmentID, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	return fmt.Sprintf("tickets/%s/%s%s", ticketID, attachmentID, ext)
}

// MinioStore implements BlobStore on minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore wraps an already bootstrapped client.
func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &Object{Data: data, MimeType: info.ContentType}, nil
}
