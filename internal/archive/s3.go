package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink writes to an S3-compatible bucket with path-style addressing.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink creates an S3Sink from static credentials.
func NewS3Sink(opts Options) (*S3Sink, error) {
	if opts.S3Endpoint == "" || opts.S3KeyID == "" || opts.S3Secret == "" || opts.S3Bucket == "" {
		return nil, fmt.Errorf("S3 archive requires endpoint, key id, secret and bucket")
	}
	region := opts.S3Region
	if region == "" {
		region = "us-east-1"
	}
	endpoint := opts.S3Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	client := s3.New(s3.Options{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			opts.S3KeyID, opts.S3Secret, "",
		),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})
	return &S3Sink{client: client, bucket: opts.S3Bucket}, nil
}

// Put uploads body as a JSON object.
func (s *S3Sink) Put(ctx context.Context, key string, body []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, k, err)
	}
	return nil
}

// Location returns the bucket URI.
func (s *S3Sink) Location() string { return "s3://" + s.bucket }
