package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"site-backup/internal/config"
	"site-backup/internal/logging"
)

// GoGit publishes with the native go-git implementation; no git binary is needed
type GoGit struct {
	cfg    config.PublishConfig
	logger *logging.Logger
}

// NewGoGit creates the native driver
func NewGoGit(cfg config.PublishConfig, logger *logging.Logger) *GoGit {
	return &GoGit{cfg: cfg, logger: logger}
}

func (g *GoGit) Name() string { return config.DriverGoGit }

// auth returns HTTP basic auth when a token is configured
func (g *GoGit) auth() transport.AuthMethod {
	if g.cfg.Token == "" {
		return nil
	}
	username := g.cfg.Username
	if username == "" {
		username = "git"
	}
	return &http.BasicAuth{Username: username, Password: g.cfg.Token}
}

func (g *GoGit) Clone(ctx context.Context, dir string) error {
	opts := &git.CloneOptions{
		URL:  g.cfg.Repository,
		Auth: g.auth(),
	}
	if g.cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(g.cfg.Branch)
		opts.SingleBranch = true
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("clone %s: %w", redactURL(g.cfg.Repository), err)
	}
	return nil
}

func (g *GoGit) CommitAll(ctx context.Context, dir, message string, when time.Time) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.cfg.AuthorName,
			Email: g.cfg.AuthorEmail,
			When:  when,
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	g.logger.WithFields(map[string]interface{}{
		"commit":  hash.String(),
		"message": message,
	}).Debug("Created commit")
	return nil
}

func (g *GoGit) Push(ctx context.Context, dir string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}

	err = repo.PushContext(ctx, &git.PushOptions{Auth: g.auth()})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}
