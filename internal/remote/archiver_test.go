package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-backup/internal/config"
	"site-backup/internal/pipeline"
	"site-backup/internal/remote/sshtest"
)

type fakeExecutor struct {
	result   ExecResult
	err      error
	commands []string
	closed   int
}

func (f *fakeExecutor) Exec(ctx context.Context, command string) (ExecResult, error) {
	f.commands = append(f.commands, command)
	return f.result, f.err
}

func (f *fakeExecutor) Close() error {
	f.closed++
	return nil
}

var fixedTime = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func testRemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{
		Host:       "www.example.com",
		Port:       22,
		Username:   "deploy",
		Password:   "secret",
		SourcePath: "/var/www/html",
		BackupPath: "/home/deploy/backup",
	}
}

func newFakeArchiver(cfg config.RemoteConfig, exec *fakeExecutor) *Archiver {
	return NewArchiver(cfg, nil,
		WithClock(func() time.Time { return fixedTime }),
		WithConnector(func(ctx context.Context) (Executor, error) { return exec, nil }),
	)
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "backup_2024-01-01_10-00.tar.gz", ArchiveName(fixedTime))
}

func TestArchiver_Command(t *testing.T) {
	cfg := testRemoteConfig()
	cfg.SourcePath = "/var/www/my site"
	a := NewArchiver(cfg, nil)

	assert.Equal(t,
		"tar -czvf /home/deploy/backup/backup_2024-01-01_10-00.tar.gz '/var/www/my site'",
		a.Command(ArchiveName(fixedTime)))
}

func TestCreateArchive(t *testing.T) {
	tests := []struct {
		name         string
		ignore       []string
		result       ExecResult
		execErr      error
		wantErr      bool
		wantContains string
	}{
		{
			name:   "empty stderr succeeds",
			result: ExecResult{Stdout: []byte("var/www/html/index.php\n")},
		},
		{
			name:         "stderr output fails",
			result:       ExecResult{Stderr: []byte("tar: /var/www/html: Cannot open: No such file or directory\n")},
			wantErr:      true,
			wantContains: "Cannot open",
		},
		{
			name:   "ignored stderr lines succeed",
			ignore: []string{"Removing leading"},
			result: ExecResult{Stderr: []byte("tar: Removing leading `/' from member names\n")},
		},
		{
			name:         "ignored lines do not hide real errors",
			ignore:       []string{"Removing leading"},
			result:       ExecResult{Stderr: []byte("tar: Removing leading `/' from member names\ntar: disk full\n")},
			wantErr:      true,
			wantContains: "disk full",
		},
		{
			name:         "non-zero exit with silent stderr fails",
			result:       ExecResult{ExitStatus: 2},
			wantErr:      true,
			wantContains: "status 2",
		},
		{
			name:         "session error fails",
			execErr:      io.ErrUnexpectedEOF,
			wantErr:      true,
			wantContains: "unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRemoteConfig()
			cfg.IgnoreStderr = tt.ignore
			exec := &fakeExecutor{result: tt.result, err: tt.execErr}

			ref, err := newFakeArchiver(cfg, exec).CreateArchive(context.Background())

			assert.Equal(t, 1, exec.closed, "executor must be closed on every path")
			require.Len(t, exec.commands, 1)
			assert.True(t, strings.HasPrefix(exec.commands[0], "tar -czvf "))

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, pipeline.ErrorKindRemoteExecution, pipeline.KindOf(err))
				assert.Contains(t, err.Error(), tt.wantContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, pipeline.ArtifactKindRemoteArchive, ref.Kind)
			assert.Equal(t, "backup_2024-01-01_10-00.tar.gz", ref.Name)
			assert.Equal(t, "/home/deploy/backup/backup_2024-01-01_10-00.tar.gz", ref.Path)
		})
	}
}

func TestCreateArchive_SessionErrorKeepsCause(t *testing.T) {
	exec := &fakeExecutor{err: io.ErrUnexpectedEOF}
	_, err := newFakeArchiver(testRemoteConfig(), exec).CreateArchive(context.Background())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestCreateArchive_ConnectFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	a := NewArchiver(testRemoteConfig(), nil,
		WithConnector(func(ctx context.Context) (Executor, error) { return nil, dialErr }),
	)

	_, err := a.CreateArchive(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrorKindRemoteExecution, pipeline.KindOf(err))
	assert.True(t, errors.Is(err, dialErr))
	assert.Contains(t, err.Error(), "www.example.com:22")
}

func TestCreateArchive_AgainstSSHServer(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "secret", func(command string, stdout, stderr io.Writer) int {
		if strings.Contains(command, "/missing") {
			fmt.Fprintln(stderr, "tar: /missing: Cannot stat: No such file or directory")
			return 2
		}
		fmt.Fprintln(stdout, "var/www/html/")
		return 0
	})

	cfg := testRemoteConfig()
	cfg.Host = srv.Host
	cfg.Port = srv.Port
	cfg.ConnectTimeout = 5 * time.Second

	t.Run("success", func(t *testing.T) {
		a := NewArchiver(cfg, nil, WithClock(func() time.Time { return fixedTime }))
		ref, err := a.CreateArchive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "backup_2024-01-01_10-00.tar.gz", ref.Name)

		commands := srv.Commands()
		require.NotEmpty(t, commands)
		assert.Equal(t, "tar -czvf /home/deploy/backup/backup_2024-01-01_10-00.tar.gz /var/www/html", commands[len(commands)-1])
	})

	t.Run("remote failure", func(t *testing.T) {
		bad := cfg
		bad.SourcePath = "/missing"
		_, err := NewArchiver(bad, nil).CreateArchive(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Cannot stat")
	})

	t.Run("wrong password", func(t *testing.T) {
		bad := cfg
		bad.Password = "wrong"
		_, err := NewArchiver(bad, nil).CreateArchive(context.Background())
		require.Error(t, err)
		assert.Equal(t, pipeline.ErrorKindRemoteExecution, pipeline.KindOf(err))
		assert.Contains(t, err.Error(), "handshake")
	})
}
