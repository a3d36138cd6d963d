package resource

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore resolves resource ids against a MinIO (or any S3-compatible)
// bucket. The resource id is the object key; path and name fall out of the
// key's directory structure.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Stat(ctx context.Context, resourceID string) (Info, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, resourceID, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return Info{}, ErrNotExist
		}
		return Info{}, fmt.Errorf("stat resource %s: %w", resourceID, err)
	}

	dir, name := path.Split(stat.Key)
	return Info{
		ID:          resourceID,
		Path:        path.Clean(dir),
		Name:        name,
		ContentType: stat.ContentType,
		Size:        stat.Size,
	}, nil
}

func (s *MinioStore) Remove(ctx context.Context, resourceID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, resourceID, minio.RemoveObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove resource %s: %w", resourceID, err)
	}
	return nil
}
