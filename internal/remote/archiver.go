// Package remote creates the site archive on the web host over ssh.
package remote

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"site-backup/internal/config"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
)

// ArchiveTimeLayout formats the timestamp in archive names
const ArchiveTimeLayout = "2006-01-02_15-04"

// ArchiveName returns backup_<YYYY-MM-DD_HH-MM>.tar.gz for t
func ArchiveName(t time.Time) string {
	return "backup_" + t.Format(ArchiveTimeLayout) + ".tar.gz"
}

// Executor runs a single command on the remote host
type Executor interface {
	Exec(ctx context.Context, command string) (ExecResult, error)
	Close() error
}

// ConnectFunc opens a connection to the remote host
type ConnectFunc func(ctx context.Context) (Executor, error)

// Archiver runs tar on the remote host
type Archiver struct {
	cfg     config.RemoteConfig
	connect ConnectFunc
	clock   func() time.Time
	logger  *logging.Logger
}

// Option configures an Archiver
type Option func(*Archiver)

// WithConnector replaces the ssh connector
func WithConnector(connect ConnectFunc) Option {
	return func(a *Archiver) { a.connect = connect }
}

// WithClock replaces the clock used to name archives
func WithClock(clock func() time.Time) Option {
	return func(a *Archiver) { a.clock = clock }
}

// NewArchiver creates an archiver that connects over ssh
func NewArchiver(cfg config.RemoteConfig, logger *logging.Logger, opts ...Option) *Archiver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	a := &Archiver{
		cfg:    cfg,
		clock:  time.Now,
		logger: logger,
	}
	a.connect = a.dialSSH
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EndpointFromConfig converts the remote configuration into an ssh endpoint
func EndpointFromConfig(cfg config.RemoteConfig) Endpoint {
	return Endpoint{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Username:       cfg.Username,
		Password:       cfg.Password,
		PrivateKeyPath: cfg.PrivateKeyPath,
		Passphrase:     cfg.PrivateKeyPassphrase,
		KnownHostsPath: cfg.KnownHostsPath,
		Timeout:        cfg.ConnectTimeout,
	}
}

func (a *Archiver) dialSSH(ctx context.Context) (Executor, error) {
	client, err := Dial(ctx, EndpointFromConfig(a.cfg), a.logger)
	if err != nil {
		return nil, err
	}
	return &clientExecutor{client: client}, nil
}

// Command returns the tar command line for the archive name
func (a *Archiver) Command(name string) string {
	return shellquote.Join("tar", "-czvf", path.Join(a.cfg.BackupPath, name), a.cfg.SourcePath)
}

// CreateArchive runs tar on the remote host. The archive name is derived from the
// clock on every call, so a retried attempt never reuses a partial file name.
func (a *Archiver) CreateArchive(ctx context.Context) (pipeline.ArtifactRef, error) {
	name := ArchiveName(a.clock())
	remotePath := path.Join(a.cfg.BackupPath, name)
	command := a.Command(name)

	exec, err := a.connect(ctx)
	if err != nil {
		return pipeline.ArtifactRef{}, pipeline.NewRemoteExecutionError(
			fmt.Sprintf("connect to %s: %v", a.cfg.Address(), err), err).
			WithContext("host", a.cfg.Host)
	}
	defer exec.Close()

	start := time.Now()
	result, err := exec.Exec(ctx, command)
	stderr := a.filterStderr(string(result.Stderr))
	a.logger.LogRemoteCommand(a.cfg.Host, command, result.ExitStatus, stderr, time.Since(start))

	if err != nil {
		return pipeline.ArtifactRef{}, pipeline.NewRemoteExecutionError(
			fmt.Sprintf("run tar on %s: %v", a.cfg.Host, err), err).
			WithContext("host", a.cfg.Host).
			WithContext("archive", remotePath)
	}

	if stderr != "" || result.ExitStatus != 0 {
		detail := stderr
		if detail == "" {
			detail = fmt.Sprintf("tar exited with status %d", result.ExitStatus)
		}
		return pipeline.ArtifactRef{}, pipeline.NewRemoteExecutionError(detail, nil).
			WithContext("host", a.cfg.Host).
			WithContext("archive", remotePath).
			WithContext("exit_status", result.ExitStatus)
	}

	a.logger.WithFields(map[string]interface{}{
		"host":    a.cfg.Host,
		"archive": remotePath,
	}).Info("Remote archive created")

	return pipeline.NewRemoteArchive(name, remotePath), nil
}

// filterStderr drops lines containing any of the configured ignore_stderr substrings
func (a *Archiver) filterStderr(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" || len(a.cfg.IgnoreStderr) == 0 {
		return stderr
	}

	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		if !containsAny(line, a.cfg.IgnoreStderr) {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
