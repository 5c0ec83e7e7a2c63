// Package publish commits the run's artifacts into a git repository and pushes
// them. Two drivers exist: the external git binary and go-git.
package publish

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
	"site-backup/internal/runner"
)

const (
	// DirTimeLayout names the per-run directory inside the repository
	DirTimeLayout = "20060102_150405"
	// MessageTimeLayout is used in commit messages
	MessageTimeLayout = "2006-01-02 15:04"
)

// Driver performs the git operations of a publish
type Driver interface {
	Name() string
	Clone(ctx context.Context, dir string) error
	// CommitAll stages every change in dir and commits it
	CommitAll(ctx context.Context, dir, message string, when time.Time) error
	Push(ctx context.Context, dir string) error
}

// Publisher moves artifacts into a fresh clone and pushes them
type Publisher struct {
	cfg        config.PublishConfig
	stagingDir string
	runID      string
	driver     Driver
	clock      func() time.Time
	logger     *logging.Logger
}

// Option configures a Publisher
type Option func(*Publisher)

// WithDriver replaces the configured driver
func WithDriver(d Driver) Option {
	return func(p *Publisher) { p.driver = d }
}

// WithClock replaces the clock used for directory names and commit messages
func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) { p.clock = clock }
}

// NewPublisher creates a publisher using the driver named in cfg
func NewPublisher(cfg config.PublishConfig, stagingDir, runID string, cmdRunner runner.CommandRunner, logger *logging.Logger, opts ...Option) (*Publisher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	p := &Publisher{
		cfg:        cfg,
		stagingDir: stagingDir,
		runID:      runID,
		clock:      time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.driver == nil {
		switch cfg.Driver {
		case config.DriverGitCLI, "":
			if cmdRunner == nil {
				cmdRunner = runner.NewExecRunner()
			}
			p.driver = NewGitCLI(cfg, cmdRunner, logger)
		case config.DriverGoGit:
			p.driver = NewGoGit(cfg, logger)
		default:
			return nil, fmt.Errorf("unsupported publish driver %q", cfg.Driver)
		}
	}
	return p, nil
}

// CloneDir is the per-run clone location
func (p *Publisher) CloneDir() string {
	return filepath.Join(p.stagingDir, "repo-"+p.runID)
}

// Publish clones the repository, moves the local artifacts into a timestamped
// directory, commits and pushes. When a failure happens after the move the clone
// is left on disk and the returned refs point into it.
func (p *Publisher) Publish(ctx context.Context, artifacts []pipeline.ArtifactRef) ([]pipeline.ArtifactRef, error) {
	var local []pipeline.ArtifactRef
	for _, a := range artifacts {
		if a.IsLocal() {
			local = append(local, a)
		}
	}
	if len(local) == 0 {
		return nil, pipeline.NewPublishError("no local artifacts to publish", nil)
	}

	cloneDir := p.CloneDir()
	if _, err := os.Stat(cloneDir); err == nil {
		return nil, p.publishError("clone", fmt.Errorf("%s already exists", cloneDir))
	}

	fields := map[string]interface{}{
		"repository": redactURL(p.cfg.Repository),
		"driver":     p.driver.Name(),
		"clone":      cloneDir,
	}
	p.logger.WithFields(fields).Debug("Cloning repository")

	if err := p.driver.Clone(ctx, cloneDir); err != nil {
		return nil, p.publishError("clone", err)
	}

	now := p.clock()
	runDir := filepath.Join(cloneDir, now.Format(DirTimeLayout))
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return nil, p.publishError("create run directory", err)
	}

	moved := make([]pipeline.ArtifactRef, 0, len(local))
	for _, a := range local {
		dst := filepath.Join(runDir, a.Name)
		if err := fsutil.Move(a.Path, dst); err != nil {
			current := append(moved, local[len(moved):]...)
			return current, p.publishError("move "+a.Name, err)
		}
		ref := a
		ref.Path = dst
		moved = append(moved, ref)
	}

	message := "Backup " + now.Format(MessageTimeLayout)
	if err := p.driver.CommitAll(ctx, cloneDir, message, now); err != nil {
		return moved, p.publishError("commit", err)
	}
	if err := p.driver.Push(ctx, cloneDir); err != nil {
		return moved, p.publishError("push", err)
	}

	fields["directory"] = filepath.Base(runDir)
	fields["files"] = len(moved)
	p.logger.WithFields(fields).Info("Backup published")

	if !p.cfg.CleanupOnSuccess {
		return moved, nil
	}

	if err := os.RemoveAll(cloneDir); err != nil {
		p.logger.WithField("error", err.Error()).Warn("Failed to remove clone after publish")
		return moved, nil
	}
	published := make([]pipeline.ArtifactRef, 0, len(moved))
	for _, a := range moved {
		ref := pipeline.NewRemoteObject(a.Name,
			redactURL(p.cfg.Repository)+"#"+filepath.Base(runDir)+"/"+a.Name)
		ref.Size = a.Size
		ref.Checksum = a.Checksum
		published = append(published, ref)
	}
	return published, nil
}

func (p *Publisher) publishError(action string, err error) error {
	return pipeline.NewPublishError(
		logging.SanitizeCommand(fmt.Sprintf("%s failed: %v", action, err)), err).
		WithContext("repository", redactURL(p.cfg.Repository)).
		WithContext("clone", p.CloneDir())
}

// redactURL drops credentials embedded in a repository URL
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
