package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// azureBackend uploads recordings to Azure Blob Storage using the ambient
// credential chain (managed identity, environment, or az-cli login).
type azureBackend struct {
	client    *azblob.Client
	container string
}

func newAzureBackend(cfg Config) (Backend, error) {
	if cfg.AzureAccountURL == "" || cfg.AzureContainer == "" {
		return nil, fmt.Errorf("storage: azure backend requires account URL and container")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("storage: azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AzureAccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: azure client: %w", err)
	}
	return &azureBackend{client: client, container: cfg.AzureContainer}, nil
}

func (a *azureBackend) Upload(ctx context.Context, key string, data io.Reader, size int64) error {
	_, err := a.client.UploadStream(ctx, a.container, key, data, nil)
	if err != nil {
		return fmt.Errorf("storage: azure upload %s: %w", key, err)
	}
	return nil
}

func (a *azureBackend) Close() error { return nil }
