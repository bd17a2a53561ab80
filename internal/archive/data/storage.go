package data

import (
	"bytes"
	"context"

	"github.com/artvault/artvault/internal/archive/biz"
	"github.com/artvault/artvault/internal/pkg/minio"
)

// ArtifactStore implements biz.ArtifactStore on a single object storage
// bucket. Keys carry the originals/ and variants/ prefixes, so one
// bucket holds both artifact kinds.
type ArtifactStore struct {
	client *minio.Client
	bucket string
}

func NewArtifactStore(client *minio.Client, bucket string) biz.ArtifactStore {
	return &ArtifactStore{client: client, bucket: bucket}
}

func (s *ArtifactStore) Upload(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *ArtifactStore) Get(ctx context.Context, objectKey string) ([]byte, error) {
	return s.client.GetObject(ctx, s.bucket, objectKey)
}

func (s *ArtifactStore) Delete(ctx context.Context, objectKey string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectKey)
}
