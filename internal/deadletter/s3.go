// Package deadletter archives mutations the queue has given up on.
// When S3 is not configured (empty bucket), NewSink returns nil and only the
// local SQLite table is used.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/bcmsync/internal/config"
	"github.com/hyperengineering/bcmsync/internal/types"
)

// s3Client defines the minimal minio.Client operations used by S3Sink.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, data []byte, contentType string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, data []byte, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

// S3Sink writes each dead letter as a JSON object in S3-compatible storage.
type S3Sink struct {
	client s3Client
	bucket string
	prefix string
	now    func() time.Time
}

// DeadLetter implements queue.DeadLetterSink.
func (s *S3Sink) DeadLetter(ctx context.Context, m types.QueuedMutation, reason string) error {
	data, err := json.Marshal(types.DeadLetter{
		Mutation:       m,
		Reason:         reason,
		DeadLetteredAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	key := objectKey(s.prefix, m)
	if err := s.client.PutObject(ctx, s.bucket, key, data, "application/json"); err != nil {
		return fmt.Errorf("upload dead letter to S3: %w", err)
	}
	return nil
}

// NewSink creates an S3Sink from configuration.
// Returns nil when no bucket is configured.
func NewSink(cfg config.DeadLetterConfig) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Sink{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// objectKey returns the object key for a dead letter.
// Convention: {prefix}/{target}/{mutation_id}.json
func objectKey(prefix string, m types.QueuedMutation) string {
	return path.Join(prefix, url.PathEscape(m.Target), m.ID+".json")
}
