package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes ffmpeg.
type Runner struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" on $PATH.
	Path string

	execFn func(ctx context.Context, name string, args ...string) (stderr []byte, err error)
}

// NewRunner returns a Runner using the ffmpeg on $PATH.
func NewRunner() *Runner {
	return &Runner{Path: "ffmpeg", execFn: execCapture}
}

func execCapture(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// Available reports whether the ffmpeg binary can be found.
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.path())
	return err == nil
}

func (r *Runner) path() string {
	if r.Path == "" {
		return "ffmpeg"
	}
	return r.Path
}

// Run executes cmd and waits for it. Failures are *Error.
func (r *Runner) Run(ctx context.Context, cmd *Command) error {
	args := cmd.Build()
	stderr, err := r.execFn(ctx, r.path(), args...)
	if err != nil {
		return &Error{Args: args, Stderr: string(stderr), Err: err}
	}
	return nil
}

// Error represents an ffmpeg execution error with context.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	// only the tail of stderr carries the actual failure
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	if tail := strings.Join(lines, "\n"); tail != "" {
		return fmt.Sprintf("ffmpeg: %v: %s", e.Err, tail)
	}
	return fmt.Sprintf("ffmpeg: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code, or -1 if it did not exit normally.
func (e *Error) ExitCode() int {
	var ee *exec.ExitError
	if errors.As(e.Err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Command returns the command that was executed.
func (e *Error) Command() string {
	return "ffmpeg " + strings.Join(e.Args, " ")
}
