package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// UploadResult is what the blob store reports back after storing an object.
// The pipeline recomputes the digest from the same bytes before trusting it.
type UploadResult struct {
	Path      string
	Sha256    string
	SizeBytes int64
}

// BlobStore is the durable storage contract the pipeline consumes.
type BlobStore interface {
	Upload(ctx context.Context, container, path string, data []byte, contentType string) (*UploadResult, error)
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// S3Config holds the settings for an R2-compatible object store.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// S3Store stores artifacts in an S3/R2 bucket. The container argument of
// Upload is the bucket name.
type S3Store struct {
	client *s3.Client
}

// NewS3Store creates an S3-backed blob store with R2-compatible settings.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	client := s3.New(s3.Options{
		Region: "auto", // R2 uses auto region
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // No session token for R2
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true, // R2 requires path-style addressing
	})

	return &S3Store{client: client}, nil
}

// Upload implements BlobStore.
func (s *S3Store) Upload(ctx context.Context, container, path string, data []byte, contentType string) (*UploadResult, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(container),
		Key:           aws.String(path),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s/%s: %w", container, path, err)
	}

	return &UploadResult{
		Path:      path,
		Sha256:    HashBytes(data),
		SizeBytes: int64(len(data)),
	}, nil
}

// InMemoryBlobStore is a map-backed BlobStore for testing and development.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewInMemoryBlobStore creates an empty in-memory blob store.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{objects: make(map[string][]byte)}
}

func blobKey(container, path string) string {
	return container + "/" + path
}

// Upload implements BlobStore.
func (s *InMemoryBlobStore) Upload(ctx context.Context, container, path string, data []byte, contentType string) (*UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[blobKey(container, path)] = stored

	return &UploadResult{
		Path:      path,
		Sha256:    HashBytes(data),
		SizeBytes: int64(len(data)),
	}, nil
}

// Get returns a stored object's bytes, for test assertions.
func (s *InMemoryBlobStore) Get(container, path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[blobKey(container, path)]
	return data, ok
}

// Len returns the number of stored objects.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
