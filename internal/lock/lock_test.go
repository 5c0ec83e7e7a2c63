package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")

	l, err := Acquire(dir, "run-1")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.Equal(t, "run-1", l.Info().RunID)
	assert.Equal(t, os.Getpid(), l.Info().PID)

	info, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "run-1", info.RunID)

	require.NoError(t, l.Release())
	assert.NoFileExists(t, filepath.Join(dir, FileName))
	assert.NoError(t, l.Release())

	again, err := Acquire(dir, "run-2")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireHeld(t *testing.T) {
	dir := t.TempDir()

	held, err := Acquire(dir, "run-1")
	require.NoError(t, err)
	defer held.Release()

	_, err = Acquire(dir, "run-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "run run-1")
	assert.Contains(t, err.Error(), filepath.Join(dir, FileName))
}

func TestAcquireUnreadableLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("garbage"), 0600))

	_, err := Acquire(dir, "run-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "if it is stale")
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
