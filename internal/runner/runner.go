// Package runner runs external programs (mysqldump, git) behind an interface
// so stages can be tested without spawning processes.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"site-backup/internal/logging"
)

// Command describes one subprocess invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
	// Stdout receives standard output when set; otherwise it is captured in Result.Stdout
	Stdout io.Writer
}

// String renders the argument vector unmodified
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Redacted renders the argument vector for logs and diagnostics with secrets
// masked per argument
func (c Command) Redacted() string {
	return strings.Join(logging.SanitizeArgs(append([]string{c.Name}, c.Args...)), " ")
}

// Result is what a finished process reported
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the process exited with status 0
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// CommandRunner executes argument vectors. Run returns a nil error when the process
// ran to completion, whatever its exit status; an error means it could not be started
// or was interrupted.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates a runner backed by real processes
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// LookPath resolves name on PATH
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run executes cmd and waits for it to exit
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) //nolint:gosec // argument vector built from run configuration
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}

	var stdout, stderr bytes.Buffer
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	} else {
		c.Stdout = &stdout
	}
	c.Stderr = &stderr

	err := c.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s interrupted: %w", cmd.Name, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}
