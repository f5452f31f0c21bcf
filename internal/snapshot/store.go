// Package snapshot archives the frame that raised an alert.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store saves trigger snapshots.
type Store interface {
	Save(ctx context.Context, robotID, eventID string, at time.Time, jpeg []byte) (string, error)
}

// ObjectKey returns the object name of a snapshot: <robot>/<yyyy>/<mm>/<dd>/<event>.jpg (UTC).
func ObjectKey(robotID, eventID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jpg", robotID, at.UTC().Format("2006/01/02"), eventID)
}

// MinioStore keeps snapshots in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *log.Logger
}

// NewMinioStore creates a store for bucket at endpoint (host:port, no scheme).
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioStore{client: client, bucket: bucket, logger: log.Default()}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Printf("INFO: Created snapshot bucket %s", s.bucket)
	return nil
}

// Save uploads jpeg and returns its object key.
func (s *MinioStore) Save(ctx context.Context, robotID, eventID string, at time.Time, jpeg []byte) (string, error) {
	if len(jpeg) == 0 {
		return "", fmt.Errorf("empty snapshot for event %s", eventID)
	}

	key := ObjectKey(robotID, eventID, at)
	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		bytes.NewReader(jpeg),
		int64(len(jpeg)),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
			UserMetadata: map[string]string{
				"robot-id": robotID,
				"event-id": eventID,
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return key, nil
}

// URL returns the plain object URL of key.
func (s *MinioStore) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL().String(), s.bucket, key)
}
