package crypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
)

// Extension is appended to encrypted artifact names
const Extension = ".enc"

// Encrypter replaces local artifacts with encrypted copies
type Encrypter struct {
	cfg    config.EncryptionConfig
	keys   KeySource
	logger *logging.Logger
}

// Option configures an Encrypter
type Option func(*Encrypter)

// WithKeySource bypasses the configured key source
func WithKeySource(keys KeySource) Option {
	return func(e *Encrypter) { e.keys = keys }
}

// NewEncrypter creates an encrypter. The key is resolved on first use, so a missing
// key fails the stage rather than the whole run.
func NewEncrypter(cfg config.EncryptionConfig, logger *logging.Logger, opts ...Option) *Encrypter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &Encrypter{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encrypt writes <path>.enc for every local artifact and removes the plaintext files
// once all of them are encrypted. If any file fails, the encrypted copies made so far
// are removed and the plaintexts are left as they were.
func (e *Encrypter) Encrypt(ctx context.Context, artifacts []pipeline.ArtifactRef) ([]pipeline.ArtifactRef, error) {
	if e.keys == nil {
		keys, err := KeySourceFromConfig(e.cfg)
		if err != nil {
			return nil, pipeline.NewEncryptionError("load key: "+err.Error(), err)
		}
		e.keys = keys
	}

	var plain, encrypted []pipeline.ArtifactRef
	for _, a := range artifacts {
		if !a.IsLocal() {
			continue
		}
		if strings.HasSuffix(a.Path, Extension) {
			encrypted = append(encrypted, a)
			continue
		}
		plain = append(plain, a)
	}
	if len(plain) == 0 && len(encrypted) == 0 {
		return nil, pipeline.NewEncryptionError("no local artifacts to encrypt", nil)
	}

	created := make([]pipeline.ArtifactRef, 0, len(plain))
	for _, a := range plain {
		start := time.Now()
		ref, err := e.encryptFile(ctx, a)
		if err != nil {
			for _, c := range created {
				_ = os.Remove(c.Path)
			}
			return nil, pipeline.NewEncryptionError(fmt.Sprintf("encrypt %s: %v", a.Name, err), err).
				WithContext("file", a.Path)
		}
		e.logger.WithFields(map[string]interface{}{
			"file":     ref.Name,
			"size":     ref.Size,
			"mode":     e.keys.mode().String(),
			"duration": time.Since(start).String(),
		}).Debug("Encrypted artifact")
		created = append(created, ref)
	}

	var errs []error
	for _, a := range plain {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.WithField("error", err.Error()).Warn("Failed to remove plaintext after encryption")
	}

	e.logger.WithField("files", len(created)).Info("Artifacts encrypted")
	return append(encrypted, created...), nil
}

func (e *Encrypter) encryptFile(ctx context.Context, a pipeline.ArtifactRef) (pipeline.ArtifactRef, error) {
	src, err := os.Open(a.Path)
	if err != nil {
		return pipeline.ArtifactRef{}, err
	}
	defer src.Close()

	dst := a.Path + Extension
	written, err := fsutil.WriteAtomic(dst, 0600, func(w io.Writer) error {
		return EncryptStream(ctx, e.keys, src, w)
	})
	if err != nil {
		return pipeline.ArtifactRef{}, err
	}

	ref := pipeline.NewLocalFile(dst)
	ref.Size = written.Size
	ref.Checksum = written.Checksum
	return ref, nil
}

// DecryptFile decrypts src into dst. dst is only created when decryption succeeds.
func DecryptFile(ctx context.Context, keys KeySource, src, dst string) (fsutil.Written, error) {
	in, err := os.Open(src)
	if err != nil {
		return fsutil.Written{}, err
	}
	defer in.Close()

	return fsutil.WriteAtomic(dst, 0600, func(w io.Writer) error {
		return DecryptStream(ctx, keys, in, w)
	})
}

// DecryptedName strips the encryption extension from name
func DecryptedName(name string) string {
	if trimmed := strings.TrimSuffix(name, Extension); trimmed != name && trimmed != "" {
		return trimmed
	}
	return name + ".dec"
}
