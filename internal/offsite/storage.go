// Package offsite copies the run's local artifacts to object storage.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
)

// Storage stores one local file under key and returns a location string for it
type Storage interface {
	Name() string
	Put(ctx context.Context, key, localPath string) (string, error)
}

// NewStorage creates the provider named in cfg
func NewStorage(ctx context.Context, cfg config.OffsiteConfig) (Storage, error) {
	switch cfg.Provider {
	case config.ProviderLocal, "":
		return NewLocalStorage(cfg.Local)
	case config.ProviderS3:
		return NewS3Storage(cfg.S3)
	case config.ProviderAzure:
		return NewAzureStorage(cfg.Azure)
	case config.ProviderGCS:
		return NewGCSStorage(ctx, cfg.GCS)
	case config.ProviderMinio:
		return NewMinioStorage(cfg.Minio)
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

// SupportedProviders lists the provider names NewStorage accepts
func SupportedProviders() []string {
	providers := []string{
		config.ProviderLocal,
		config.ProviderS3,
		config.ProviderAzure,
		config.ProviderGCS,
		config.ProviderMinio,
	}
	sort.Strings(providers)
	return providers
}

// LocalStorage copies files below a base directory, typically a mounted volume
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed
func NewLocalStorage(cfg config.LocalConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("local storage base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &LocalStorage{basePath: cfg.BasePath}, nil
}

func (s *LocalStorage) Name() string { return config.ProviderLocal }

func (s *LocalStorage) Put(ctx context.Context, key, localPath string) (string, error) {
	dst := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return "", err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if _, err := fsutil.WriteAtomic(dst, 0640, func(w io.Writer) error {
		_, err := fsutil.CopyContext(ctx, w, src)
		return err
	}); err != nil {
		return "", err
	}
	return dst, nil
}
