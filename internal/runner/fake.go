package runner

import (
	"context"
	"fmt"
	"os/exec"
)

// FakeRunner is a test double for CommandRunner that records calls and returns
// pre-configured responses.
type FakeRunner struct {
	// RunFn is called when Run is invoked. If nil, returns an empty successful result.
	RunFn func(ctx context.Context, cmd Command) (Result, error)

	// Paths maps program names to resolved paths. A name missing from a non-nil map
	// is reported as not found.
	Paths map[string]string

	// Calls records every command passed to Run.
	Calls []Command
}

// LookPath implements CommandRunner.
func (f *FakeRunner) LookPath(name string) (string, error) {
	if f.Paths == nil {
		return "/usr/bin/" + name, nil
	}
	if p, ok := f.Paths[name]; ok {
		return p, nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Run implements CommandRunner.
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	f.Calls = append(f.Calls, cmd)
	if f.RunFn != nil {
		return f.RunFn(ctx, cmd)
	}
	return Result{}, nil
}

// Names returns "name subcommand" for every recorded call, handy for asserting a sequence.
func (f *FakeRunner) Names() []string {
	names := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		if len(c.Args) == 0 {
			names = append(names, c.Name)
			continue
		}
		names = append(names, fmt.Sprintf("%s %s", c.Name, firstVerb(c.Args)))
	}
	return names
}

// firstVerb skips leading option pairs such as "-C dir" and returns the first
// non-option argument.
func firstVerb(args []string) string {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-C", "-c":
			i++
			continue
		}
		if len(args[i]) > 0 && args[i][0] == '-' {
			continue
		}
		return args[i]
	}
	return ""
}
