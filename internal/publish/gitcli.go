package publish

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/logging"
	"site-backup/internal/runner"
)

// GitCLI drives the external git binary
type GitCLI struct {
	cfg    config.PublishConfig
	runner runner.CommandRunner
	logger *logging.Logger
}

// NewGitCLI creates a driver that shells out to cfg.GitCommand
func NewGitCLI(cfg config.PublishConfig, cmdRunner runner.CommandRunner, logger *logging.Logger) *GitCLI {
	if cfg.GitCommand == "" {
		cfg.GitCommand = "git"
	}
	return &GitCLI{cfg: cfg, runner: cmdRunner, logger: logger}
}

func (g *GitCLI) Name() string { return config.DriverGitCLI }

// Clone runs git clone. A configured token is embedded in the clone URL.
func (g *GitCLI) Clone(ctx context.Context, dir string) error {
	args := []string{"clone"}
	if g.cfg.Branch != "" {
		args = append(args, "--branch", g.cfg.Branch)
	}
	args = append(args, authURL(g.cfg), dir)
	return g.git(ctx, "", args...)
}

func (g *GitCLI) CommitAll(ctx context.Context, dir, message string, when time.Time) error {
	if err := g.git(ctx, dir, "add", "."); err != nil {
		return err
	}
	return g.git(ctx, dir,
		"-c", "user.name="+g.cfg.AuthorName,
		"-c", "user.email="+g.cfg.AuthorEmail,
		"commit", "-m", message, "--date", when.Format(time.RFC3339))
}

func (g *GitCLI) Push(ctx context.Context, dir string) error {
	return g.git(ctx, dir, "push", "origin", "HEAD")
}

// git runs one git command, with -C dir when dir is set
func (g *GitCLI) git(ctx context.Context, dir string, args ...string) error {
	bin, err := g.runner.LookPath(g.cfg.GitCommand)
	if err != nil {
		return fmt.Errorf("%s not found: %w", g.cfg.GitCommand, err)
	}
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}

	cmd := runner.Command{
		Name: bin,
		Args: args,
		Env:  append(os.Environ(), "GIT_TERMINAL_PROMPT=0"),
	}
	logged := cmd.Redacted()
	start := time.Now()

	result, err := g.runner.Run(ctx, cmd)
	stderr := strings.TrimSpace(string(result.Stderr))
	g.logger.WithFields(map[string]interface{}{
		"command":   logged,
		"exit_code": result.ExitCode,
		"duration":  time.Since(start).String(),
	}).Debug("git finished")

	if err != nil {
		return err
	}
	if !result.Success() {
		if stderr == "" {
			stderr = strings.TrimSpace(string(result.Stdout))
		}
		return fmt.Errorf("%s exited with status %d: %s", logged, result.ExitCode, logging.SanitizeCommand(stderr))
	}
	return nil
}

// authURL embeds username and token into an http(s) repository URL
func authURL(cfg config.PublishConfig) string {
	if cfg.Token == "" {
		return cfg.Repository
	}
	u, err := url.Parse(cfg.Repository)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return cfg.Repository
	}
	username := cfg.Username
	if username == "" {
		username = "git"
	}
	u.User = url.UserPassword(username, cfg.Token)
	return u.String()
}
