package archive

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureSink writes block blobs to one container.
type AzureSink struct {
	client    *azblob.Client
	container string
	account   string
}

// NewAzureSink creates an AzureSink with shared-key authentication.
func NewAzureSink(opts Options) (*AzureSink, error) {
	if opts.AzureAccountName == "" || opts.AzureAccountKey == "" || opts.AzureContainer == "" {
		return nil, fmt.Errorf("Azure archive requires account name, account key and container")
	}
	cred, err := azblob.NewSharedKeyCredential(opts.AzureAccountName, opts.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := opts.AzureServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", opts.AzureAccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &AzureSink{client: client, container: opts.AzureContainer, account: opts.AzureAccountName}, nil
}

// Put uploads body as a block blob.
func (s *AzureSink) Put(ctx context.Context, key string, body []byte) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, k, body, nil); err != nil {
		return fmt.Errorf("upload az://%s/%s: %w", s.container, k, err)
	}
	return nil
}

// Location returns the container URI.
func (s *AzureSink) Location() string { return "az://" + s.container }
