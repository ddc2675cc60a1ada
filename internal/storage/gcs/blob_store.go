// Package gcs archives raw response bodies in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

// BlobStore writes bodies to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ parcel.BlobStore = (*BlobStore)(nil)

// Connect builds a client from application default credentials.
func Connect(ctx context.Context, cfg Config) (*BlobStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, parcel.WrapError(parcel.CodeStorageFailed, "create gcs client", err)
	}
	return New(client, cfg)
}

// New creates a GCS-backed blob store around an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, parcel.NewError(parcel.CodeConfigMissing, "gcs blob store", "storage client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return parcel.NewError(parcel.CodeConfigMissing, "gcs blob store", "bucket name is required")
	}
	return nil
}

// PutObject uploads the body and returns a gs:// URI. Objects are written with
// a does-not-exist precondition, so an existing content-addressed object is kept.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", parcel.NewError(parcel.CodeInvalidRequest, "blob path", "path is required")
	}
	uri := ObjectURI(s.bucket, path)
	writer := s.client.Bucket(s.bucket).Object(path).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if alreadyExists(closeErr) {
			return uri, nil
		}
		return "", parcel.WrapError(parcel.CodeStorageFailed, "copy object", err)
	}
	if err := writer.Close(); err != nil {
		if alreadyExists(err) {
			return uri, nil
		}
		return "", parcel.WrapError(parcel.CodeStorageFailed, "close writer", err)
	}
	return uri, nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

// ObjectURI renders the gs:// location of path in bucket.
func ObjectURI(bucket, path string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, strings.TrimPrefix(path, "/"))
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
