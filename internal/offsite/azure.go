package offsite

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"site-backup/internal/config"
)

// AzureStorage uploads block blobs to an Azure Blob Storage container
type AzureStorage struct {
	container azblob.ContainerURL
	name      string
}

// NewAzureStorage creates the provider with shared key authentication
func NewAzureStorage(cfg config.AzureConfig) (*AzureStorage, error) {
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create Azure credentials: %w", err)
	}
	p := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	serviceURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse Azure service URL: %w", err)
	}

	return &AzureStorage{
		container: azblob.NewServiceURL(*serviceURL, p).NewContainerURL(cfg.ContainerName),
		name:      cfg.ContainerName,
	}, nil
}

func (s *AzureStorage) Name() string { return config.ProviderAzure }

func (s *AzureStorage) Put(ctx context.Context, key, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	blob := s.container.NewBlockBlobURL(key)
	_, err = azblob.UploadFileToBlockBlob(ctx, file, blob, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
	})
	if err != nil {
		return "", fmt.Errorf("upload to Azure: %w", err)
	}
	return fmt.Sprintf("azure://%s/%s", s.name, key), nil
}
