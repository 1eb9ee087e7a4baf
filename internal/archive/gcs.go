package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSink writes objects to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink creates a GCSSink. Without a key file, application default
// credentials are used.
func NewGCSSink(ctx context.Context, opts Options) (*GCSSink, error) {
	if opts.GCSBucket == "" {
		return nil, fmt.Errorf("GCS archive requires a bucket")
	}
	var clientOpts []option.ClientOption
	if opts.GCSKeyFile != "" {
		clientOpts = append(clientOpts, option.WithAuthCredentialsFile(option.ServiceAccount, opts.GCSKeyFile))
	}
	if opts.GCSEndpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.GCSEndpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: opts.GCSBucket}, nil
}

// Put uploads body in a single request.
func (s *GCSSink) Put(ctx context.Context, key string, body []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	w := s.client.Bucket(s.bucket).Object(k).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ChunkSize = 0
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, k, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", s.bucket, k, err)
	}
	return nil
}

// Location returns the bucket URI.
func (s *GCSSink) Location() string { return "gs://" + s.bucket }
