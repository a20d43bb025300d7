// Package command runs external programs with streamed output, timeouts,
// and cancellation.
//
// Programs are always invoked with an argument vector; nothing passes
// through a shell. A program that fails, times out, or cannot be started at
// all is reported in the Result rather than as an error so callers can
// decide whether to retry.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

// Stream identifies which output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of process output, without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Options configures one invocation.
type Options struct {
	// Timeout bounds the whole run. Zero means no timeout.
	Timeout time.Duration

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is added to the inherited environment as KEY=value pairs.
	Env []string

	// OnOutputLine receives every output line as it is produced.
	// Calls are serialized across both streams.
	OnOutputLine func(Line)

	// GracePeriod is how long a terminated process gets to exit before it
	// is killed. Zero uses the runner's default.
	GracePeriod time.Duration
}

// Result describes a finished process.
type Result struct {
	Program string
	Args    []string

	// ExitCode is -1 when the process never started or was killed by a signal.
	ExitCode int
	Signal   string

	Stdout string
	Stderr string

	Success  bool
	TimedOut bool
	Canceled bool

	// StartFailed is set when the program could not be spawned at all.
	StartFailed bool

	Duration time.Duration
}

// CommandLine returns the program and arguments joined for display.
func (r Result) CommandLine() string {
	if len(r.Args) == 0 {
		return r.Program
	}
	return r.Program + " " + strings.Join(r.Args, " ")
}

// Err returns nil for a successful run and an *Error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Result: r}
}

// Runner runs a program to completion.
type Runner interface {
	Run(ctx context.Context, program string, args []string, opts Options) Result
}

// Starter starts long-lived programs, such as an emulator, that are
// stopped explicitly.
type Starter interface {
	Start(ctx context.Context, program string, args []string, opts Options) (Process, error)
}

// Process is a started program.
type Process interface {
	// PID returns the operating system process ID, or 0 if unknown.
	PID() int

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Wait blocks until the process exits and returns its result.
	Wait() Result

	// Stop terminates the process (SIGTERM, then kill after the grace
	// period) and returns its result.
	Stop() Result
}

// Error reports a failed run. Failures are recoverable: a build that failed
// or timed out may well succeed on the next attempt.
type Error struct {
	Result Result
}

// Error implements the error interface.
func (e *Error) Error() string {
	r := e.Result
	var reason string
	switch {
	case r.StartFailed:
		reason = "could not start"
	case r.TimedOut:
		reason = "timed out"
	case r.Canceled:
		reason = "canceled"
	case r.Signal != "":
		reason = "killed by " + r.Signal
	default:
		reason = fmt.Sprintf("exit code %d", r.ExitCode)
	}
	if tail := lastLine(r.Stderr); tail != "" {
		return fmt.Sprintf("%s: %s: %s", r.CommandLine(), reason, tail)
	}
	return fmt.Sprintf("%s: %s", r.CommandLine(), reason)
}

// ErrorCategory implements apperrors.Categorized.
func (e *Error) ErrorCategory() apperrors.Category {
	if e.Result.Canceled {
		return apperrors.CategoryFatal
	}
	return apperrors.CategoryRecoverable
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// startFailure is the result for a program that could not be spawned.
func startFailure(program string, args []string, err error) Result {
	return Result{
		Program:     program,
		Args:        args,
		ExitCode:    -1,
		Stderr:      fmt.Sprintf("failed to start %s: %v", program, err),
		StartFailed: true,
	}
}
