// Package transfer retrieves the remote archive into the local staging directory
// over FTP or SFTP.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
)

// Source is an authenticated session positioned in the remote backup directory
type Source interface {
	// Retrieve streams the named file into w
	Retrieve(ctx context.Context, name string, w io.Writer) error
	Close() error
}

// OpenFunc opens a Source for the transfer endpoint
type OpenFunc func(ctx context.Context, cfg config.TransferConfig, logger *logging.Logger) (Source, error)

// Fetcher downloads archives into the staging directory
type Fetcher struct {
	cfg        config.TransferConfig
	stagingDir string
	open       OpenFunc
	logger     *logging.Logger
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithOpener replaces the protocol specific session opener
func WithOpener(open OpenFunc) Option {
	return func(f *Fetcher) { f.open = open }
}

// NewFetcher creates a fetcher for the configured protocol
func NewFetcher(cfg config.TransferConfig, stagingDir string, logger *logging.Logger, opts ...Option) (*Fetcher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	f := &Fetcher{cfg: cfg, stagingDir: stagingDir, logger: logger}
	switch cfg.Protocol {
	case config.ProtocolFTP, "":
		f.open = OpenFTP
	case config.ProtocolSFTP:
		f.open = OpenSFTP
	default:
		return nil, fmt.Errorf("unsupported transfer protocol %q", cfg.Protocol)
	}

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// LocalPath is where fetched archives are written
func (f *Fetcher) LocalPath() string {
	return filepath.Join(f.stagingDir, f.cfg.LocalName)
}

// Fetch downloads the archive to the staging path. The file is written under a
// temporary name and renamed once complete, so a failed transfer never leaves a
// truncated archive at the final path.
func (f *Fetcher) Fetch(ctx context.Context, archive pipeline.ArtifactRef) (pipeline.ArtifactRef, error) {
	finalPath := f.LocalPath()
	fields := map[string]interface{}{
		"protocol": f.cfg.Protocol,
		"host":     f.cfg.Address(),
		"archive":  archive.Name,
		"local":    finalPath,
	}
	f.logger.WithFields(fields).Debug("Starting archive transfer")

	if err := os.MkdirAll(f.stagingDir, 0750); err != nil {
		return pipeline.ArtifactRef{}, pipeline.NewTransferError(
			fmt.Sprintf("create staging directory %s: %v", f.stagingDir, err), err)
	}

	src, err := f.open(ctx, f.cfg, f.logger)
	if err != nil {
		return pipeline.ArtifactRef{}, f.transferError("open session", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			f.logger.WithField("error", cerr.Error()).Debug("Closing transfer session failed")
		}
	}()

	start := time.Now()
	written, err := fsutil.WriteAtomic(finalPath, 0640, func(w io.Writer) error {
		return src.Retrieve(ctx, archive.Name, w)
	})
	if err != nil {
		return pipeline.ArtifactRef{}, f.transferError("retrieve "+archive.Name, err)
	}

	fields["bytes"] = written.Size
	fields["duration"] = time.Since(start).String()
	f.logger.WithFields(fields).Info("Archive transferred")

	ref := pipeline.NewLocalFile(finalPath)
	ref.Size = written.Size
	ref.Checksum = written.Checksum
	return ref, nil
}

func (f *Fetcher) transferError(action string, err error) error {
	return pipeline.NewTransferError(fmt.Sprintf("%s on %s: %v", action, f.cfg.Address(), err), err).
		WithContext("protocol", f.cfg.Protocol).
		WithContext("host", f.cfg.Host)
}
