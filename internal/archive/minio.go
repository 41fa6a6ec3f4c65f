// Package archive writes audit snapshots of dissolved shared groups to
// object storage so a dissolved group's final membership stays
// reconstructable after its document is deleted.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"doseref/api/internal/store"
)

// Service uploads group snapshots to a MinIO bucket.
type Service struct {
	put    func(ctx context.Context, objectName string, payload []byte) error
	bucket string
}

// Options configures the MinIO connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to MinIO and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Service, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &Service{
		bucket: opts.Bucket,
		put: func(ctx context.Context, objectName string, payload []byte) error {
			_, err := client.PutObject(ctx, opts.Bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
				ContentType: "application/json",
			})
			return err
		},
	}, nil
}

// snapshot is the archived form of a dissolved group.
type snapshot struct {
	Group       store.SharedGroup `json:"group"`
	DissolvedAt time.Time         `json:"dissolvedAt"`
}

// ArchiveDissolvedGroup uploads the group's final state. Object names
// include a timestamp so a hash that is re-shared and re-dissolved later
// does not overwrite the earlier snapshot.
func (s *Service) ArchiveDissolvedGroup(ctx context.Context, group store.SharedGroup) error {
	payload, err := json.MarshalIndent(snapshot{
		Group:       group,
		DissolvedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal group snapshot: %w", err)
	}

	objectName := fmt.Sprintf("dissolved/%s/%s.json", group.ID, time.Now().UTC().Format("20060102T150405.000Z"))
	if err := s.put(ctx, objectName, payload); err != nil {
		return fmt.Errorf("upload group snapshot: %w", err)
	}
	return nil
}
