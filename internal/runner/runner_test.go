package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	requireShell(t)
	r := NewExecRunner()

	res, err := r.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))
}

func TestExecRunner_StreamsStdout(t *testing.T) {
	requireShell(t)
	var buf bytes.Buffer

	res, err := NewExecRunner().Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "printf dump"},
		Stdout: &buf,
	})
	require.NoError(t, err)
	assert.Equal(t, "dump", buf.String())
	assert.Empty(t, res.Stdout)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	requireShell(t)

	res, err := NewExecRunner().Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo denied >&2; exit 3"}})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "denied\n", string(res.Stderr))
}

func TestExecRunner_MissingProgram(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), Command{Name: "definitely-not-a-real-binary-4242"})
	assert.Error(t, err)

	_, err = NewExecRunner().LookPath("definitely-not-a-real-binary-4242")
	assert.True(t, errors.Is(err, exec.ErrNotFound))
}

func TestExecRunner_Canceled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecRunner().Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 5"}})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFakeRunner(t *testing.T) {
	f := &FakeRunner{Paths: map[string]string{"git": "/usr/bin/git"}}

	p, err := f.LookPath("git")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/git", p)

	_, err = f.LookPath("mysqldump")
	assert.True(t, errors.Is(err, exec.ErrNotFound))

	_, _ = f.Run(context.Background(), Command{Name: "git", Args: []string{"-C", "/repo", "add", "."}})
	_, _ = f.Run(context.Background(), Command{Name: "git", Args: []string{"clone", "url", "dir"}})
	assert.Equal(t, []string{"git add", "git clone"}, f.Names())
	assert.Equal(t, "git clone url dir", f.Calls[1].String())
}

func TestCommand_Redacted(t *testing.T) {
	cmd := Command{Name: "/usr/bin/mysqldump", Args: []string{"-u", "root", "-pit's a SECRET", "shop"}}

	assert.Equal(t, "/usr/bin/mysqldump -u root -p*** shop", cmd.Redacted())
	assert.Contains(t, cmd.String(), "SECRET")
}
