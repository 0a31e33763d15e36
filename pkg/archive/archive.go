// Package archive stores finished session exports in an S3-compatible
// bucket (MinIO in development).
package archive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage is the port the export service writes through.
type ObjectStorage interface {
	// Upload stores the object and returns its bucket-relative key.
	Upload(ctx context.Context, objectName, contentType string, r io.Reader, size int64) (string, error)
}

type minioStorage struct {
	client *minio.Client
	bucket string
}

// NewClient opens a MinIO client.
func NewClient(endpoint, key, secret string, useSSL bool) (*minio.Client, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(key, secret, ""),
		Secure: useSSL,
	})
}

// NewMinioStorage wraps client and makes sure the bucket exists.
func NewMinioStorage(ctx context.Context, client *minio.Client, bucket string) (ObjectStorage, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return &minioStorage{client: client, bucket: bucket}, nil
}

func (s *minioStorage) Upload(ctx context.Context, objectName, contentType string, r io.Reader, size int64) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}
	return info.Key, nil
}

// SessionObjectName is the key of a session's final CSV export.
func SessionObjectName(classID, sessionID string) string {
	return path.Join("sessions", classID, sessionID+".csv")
}
