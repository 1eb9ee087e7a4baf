// Package archive stores raw sync payloads in a local directory or an object
// store. Archiving is best effort; callers log failures and carry on.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Sink writes one object.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
	// Location describes where objects go, for logs.
	Location() string
}

// Backend names a sink implementation.
type Backend string

// Backends.
const (
	BackendNone  Backend = "none"
	BackendLocal Backend = "local"
	BackendS3    Backend = "s3"
	BackendAzure Backend = "azure"
	BackendGCS   Backend = "gcs"
)

// Options selects and configures a sink.
type Options struct {
	Backend Backend
	Prefix  string

	LocalDir string

	S3Endpoint string // host[:port], or a full URL
	S3Region   string
	S3KeyID    string
	S3Secret   string
	S3Bucket   string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string
	AzureServiceURL  string // defaults to the account's public blob endpoint

	GCSBucket   string
	GCSKeyFile  string
	GCSEndpoint string
}

// New builds the sink selected by opts.Backend. BackendNone (or "") returns a
// nil Sink and no error.
func New(ctx context.Context, opts Options) (Sink, error) {
	var (
		sink Sink
		err  error
	)
	switch opts.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendLocal:
		sink, err = NewLocalSink(opts.LocalDir)
	case BackendS3:
		sink, err = NewS3Sink(opts)
	case BackendAzure:
		sink, err = NewAzureSink(opts)
	case BackendGCS:
		sink, err = NewGCSSink(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if p := strings.Trim(opts.Prefix, "/"); p != "" {
		sink = &prefixed{Sink: sink, prefix: p}
	}
	return sink, nil
}

type prefixed struct {
	Sink
	prefix string
}

func (p *prefixed) Put(ctx context.Context, key string, body []byte) error {
	return p.Sink.Put(ctx, path.Join(p.prefix, key), body)
}

func (p *prefixed) Location() string {
	return p.Sink.Location() + "/" + p.prefix
}

func cleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("empty archive key")
	}
	return k, nil
}
