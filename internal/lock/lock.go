// Package lock keeps two runs from sharing a staging directory.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lock file created inside the staging directory
const FileName = ".lock"

// ErrLocked is returned when another run holds the lock
var ErrLocked = errors.New("staging directory is locked by another run")

// Info is written into the lock file
type Info struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"created_at"`
}

// Lock is a held staging directory lock
type Lock struct {
	path string
	info Info
}

// Acquire creates <dir>/.lock exclusively. A stale lock is never removed
// automatically; the error names the file so an operator can remove it.
func Acquire(dir, runID string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	host, _ := os.Hostname()
	info := Info{RunID: runID, PID: os.Getpid(), Host: host, CreatedAt: time.Now().UTC()}
	path := filepath.Join(dir, FileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			if holder, readErr := Read(dir); readErr == nil {
				return nil, fmt.Errorf("%w: run %s (pid %d on %s) since %s; remove %s if it is stale",
					ErrLocked, holder.RunID, holder.PID, holder.Host, holder.CreatedAt.Format(time.RFC3339), path)
			}
			return nil, fmt.Errorf("%w: remove %s if it is stale", ErrLocked, path)
		}
		return nil, err
	}

	encErr := json.NewEncoder(file).Encode(info)
	if err := errors.Join(encErr, file.Close()); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path, info: info}, nil
}

// Read returns the holder recorded in dir's lock file
func Read(dir string) (Info, error) {
	var info Info
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// Info returns what was written to the lock file
func (l *Lock) Info() Info {
	return l.info
}

// Release removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
