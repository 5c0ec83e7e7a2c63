package offsite

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
)

// KeyTimeLayout names the per-run directory below the prefix
const KeyTimeLayout = "20060102_150405"

// Uploader copies the local artifacts of a run to offsite storage
type Uploader struct {
	cfg     config.OffsiteConfig
	storage Storage
	clock   func() time.Time
	logger  *logging.Logger
}

// Option configures an Uploader
type Option func(*Uploader)

// WithStorage replaces the configured provider
func WithStorage(s Storage) Option {
	return func(u *Uploader) { u.storage = s }
}

// WithClock replaces the clock used for the run directory
func WithClock(clock func() time.Time) Option {
	return func(u *Uploader) { u.clock = clock }
}

// NewUploader creates an uploader. The provider is created on the first upload so
// that credential problems fail the stage instead of the run.
func NewUploader(cfg config.OffsiteConfig, logger *logging.Logger, opts ...Option) *Uploader {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	u := &Uploader{cfg: cfg, clock: time.Now, logger: logger}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Key returns the object key for name in the run directory stamped at t
func (u *Uploader) Key(t time.Time, name string) string {
	return path.Join(strings.Trim(u.cfg.Prefix, "/"), t.Format(KeyTimeLayout), name)
}

// ParseRunDir returns the time encoded in a run directory name
func ParseRunDir(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(KeyTimeLayout, name, time.Local)
	return t, err == nil
}

// LocalRunsDir returns the directory holding the run directories of the local
// provider. Other providers have no local directory to prune.
func LocalRunsDir(cfg config.OffsiteConfig) (string, bool) {
	if cfg.Provider != config.ProviderLocal || cfg.Local.BasePath == "" {
		return "", false
	}
	return filepath.Join(cfg.Local.BasePath, filepath.FromSlash(strings.Trim(cfg.Prefix, "/"))), true
}

// Upload stores every local artifact. Objects uploaded before a failure are left in
// place; the stage still fails.
func (u *Uploader) Upload(ctx context.Context, artifacts []pipeline.ArtifactRef) ([]pipeline.ArtifactRef, error) {
	storage := u.storage
	if storage == nil {
		s, err := NewStorage(ctx, u.cfg)
		if err != nil {
			return nil, pipeline.NewUploadError(err.Error(), err).WithContext("provider", u.cfg.Provider)
		}
		if c, ok := s.(io.Closer); ok {
			defer c.Close()
		}
		storage = s
	}

	now := u.clock()
	var uploaded []pipeline.ArtifactRef
	for _, a := range artifacts {
		if !a.IsLocal() {
			continue
		}
		key := u.Key(now, a.Name)
		start := time.Now()

		location, err := storage.Put(ctx, key, a.Path)
		if err != nil {
			return nil, pipeline.NewUploadError(fmt.Sprintf("upload %s: %v", a.Name, err), err).
				WithContext("provider", storage.Name()).
				WithContext("key", key).
				WithContext("uploaded", len(uploaded))
		}

		ref := pipeline.NewRemoteObject(a.Name, location)
		ref.Size = a.Size
		ref.Checksum = a.Checksum
		uploaded = append(uploaded, ref)

		u.logger.WithFields(map[string]interface{}{
			"provider": storage.Name(),
			"location": location,
			"size":     a.Size,
			"duration": time.Since(start).String(),
		}).Debug("Artifact uploaded")
	}

	if len(uploaded) == 0 {
		return nil, pipeline.NewUploadError("no local artifacts to upload", nil)
	}
	u.logger.WithFields(map[string]interface{}{
		"provider": storage.Name(),
		"files":    len(uploaded),
	}).Info("Artifacts uploaded offsite")
	return uploaded, nil
}
