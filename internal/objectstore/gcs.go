package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
)

// GCSStore stores images in a Google Cloud Storage bucket. The gs:// URIs it
// returns can be passed to Vertex AI directly.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewGCSStore creates a store using Application Default Credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// Upload implements Uploader.
func (s *GCSStore) Upload(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	key := ObjectKey(s.prefix, s.now(), filename)

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload gs://%s/%s: %w", s.bucket, key, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", s.bucket, key)
	log.Info().Str("uri", uri).Int("size", len(data)).Str("contentType", contentType).Msg("image uploaded")
	return uri, nil
}

// Handles implements Fetcher.
func (s *GCSStore) Handles(uri string) bool {
	return schemeOf(uri) == "gs"
}

// Fetch implements Fetcher. Only objects under the store's bucket and
// prefix are read.
func (s *GCSStore) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	_, bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, "", err
	}
	if !withinRoot(s.bucket, s.prefix, bucket, key) {
		return nil, "", fmt.Errorf("%w: %s is outside %s://%s/%s", ErrURINotAllowed, uri, "gs", s.bucket, s.prefix)
	}

	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, r.Attrs.ContentType, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
