// Package archive persists raw provider callback payloads to S3-compatible
// object storage so original responses survive schema changes in the result
// tables.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"enrichflow/backend/internal/config"
)

// PayloadArchiver writes callback payloads to a bucket, one object per
// callback, keyed by subject, step and receive time.
type PayloadArchiver struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg config.ArchiveConfig) (*PayloadArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	a := &PayloadArchiver{client: client, bucket: cfg.Bucket}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *PayloadArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", a.bucket, err)
	}
	return nil
}

// StorePayload uploads one payload and returns the object key.
func (a *PayloadArchiver) StorePayload(ctx context.Context, subjectID, stepName string, payload []byte) (string, error) {
	key := fmt.Sprintf("callbacks/%s/%s/%s.json", stepName, subjectID, time.Now().UTC().Format("20060102T150405.000000000"))

	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("uploading payload %s: %w", key, err)
	}
	return key, nil
}
