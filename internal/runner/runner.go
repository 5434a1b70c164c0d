// File: internal/runner/runner.go
// Brief: Shell command execution for pipeline steps.

// Package runner executes pipeline shell commands in a working directory and
// reports failure through the process exit status.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
)

// DefaultShell is the interpreter used when none is configured.
const DefaultShell = "sh -c"

const outputTailLines = 20

// Command is one shell invocation.
type Command struct {
	// Script is passed to the shell as a single argument.
	Script string
	Dir    string
	// Output receives each line of combined stdout and stderr. Optional.
	Output func(line string)
}

// Runner executes commands. Run blocks until the command exits.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, cmd Command) error

// Run calls f.
func (f Func) Run(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Script string
	Dir    string
	Code   int
	// Tail holds the last lines of output.
	Tail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q in %s exited with code %d", e.Script, e.Dir, e.Code)
	if len(e.Tail) > 0 {
		msg += ":\n  " + strings.Join(e.Tail, "\n  ")
	}
	return msg
}

// Shell runs commands through an interpreter such as "sh -c".
type Shell struct {
	argv []string
	env  []string
	log  logr.Logger
}

// NewShell parses invocation (for example "bash -eo pipefail -c") into the
// interpreter argv. The script is appended as the final argument.
func NewShell(invocation string, log logr.Logger) (*Shell, error) {
	if strings.TrimSpace(invocation) == "" {
		invocation = DefaultShell
	}
	argv, err := shellwords.Parse(invocation)
	if err != nil {
		return nil, errors.Wrapf(err, "parse shell %q", invocation)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("shell %q is empty", invocation)
	}
	return &Shell{argv: argv, env: os.Environ(), log: log}, nil
}

// Argv returns the interpreter invocation.
func (s *Shell) Argv() []string { return append([]string(nil), s.argv...) }

// Run starts the command unless ctx is already done, then waits for it to
// exit. A started command is never interrupted.
func (s *Shell) Run(ctx context.Context, c Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := append(s.Argv()[1:], c.Script)
	cmd := exec.Command(s.argv[0], args...)
	cmd.Dir = c.Dir
	cmd.Env = s.env

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := newTail(outputTailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if c.Output != nil {
				c.Output(line)
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	s.log.V(1).Info("exec", "dir", c.Dir, "script", c.Script)
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		wg.Wait()
		return errors.Wrapf(err, "start %q in %s", c.Script, c.Dir)
	}
	waitErr := cmd.Wait()
	_ = pw.Close()
	wg.Wait()
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Script: c.Script, Dir: c.Dir, Code: exitErr.ExitCode(), Tail: tail.lines()}
	}
	return errors.Wrapf(waitErr, "wait %q in %s", c.Script, c.Dir)
}

// DryRun logs commands instead of running them.
type DryRun struct {
	Log logr.Logger
	Out io.Writer
}

// Run prints the command and reports success.
func (d DryRun) Run(ctx context.Context, c Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.Log.Info("dry-run", "dir", c.Dir, "script", c.Script)
	if d.Out != nil {
		fmt.Fprintf(d.Out, "(cd %s && %s)\n", c.Dir, c.Script)
	}
	return nil
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newTail(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
