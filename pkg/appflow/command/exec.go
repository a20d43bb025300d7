package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultGracePeriod = 5 * time.Second

// ExecRunner runs programs on the host with os/exec.
type ExecRunner struct {
	logger *slog.Logger
	grace  time.Duration
}

// ExecOption configures an ExecRunner.
type ExecOption func(*ExecRunner)

// WithLogger sets the logger for process start and exit.
func WithLogger(l *slog.Logger) ExecOption {
	return func(r *ExecRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithGracePeriod sets the default time between SIGTERM and kill.
func WithGracePeriod(d time.Duration) ExecOption {
	return func(r *ExecRunner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// NewExecRunner creates a runner for host processes.
func NewExecRunner(opts ...ExecOption) *ExecRunner {
	r := &ExecRunner{
		logger: slog.Default(),
		grace:  defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, program string, args []string, opts Options) Result {
	p, err := r.Start(ctx, program, args, opts)
	if err != nil {
		return startFailure(program, args, err)
	}
	return p.Wait()
}

// Start implements Starter. The process is bound to ctx and opts.Timeout
// for its whole life.
func (r *ExecRunner) Start(ctx context.Context, program string, args []string, opts Options) (Process, error) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = r.grace
	}

	cmd := exec.CommandContext(runCtx, program, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	emit := &emitter{fn: opts.OnOutputLine}
	stdout := &lineWriter{stream: Stdout, emit: emit}
	stderr := &lineWriter{stream: Stderr, emit: emit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		r.logger.Debug("command failed to start",
			"program", program,
			"error", err.Error(),
		)
		return nil, err
	}

	r.logger.Debug("command started",
		"program", program,
		"args", args,
		"pid", cmd.Process.Pid,
	)

	p := &execProcess{
		cmd:    cmd,
		ctx:    ctx,
		runCtx: runCtx,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
		start:  start,
		logger: r.logger,
		done:   make(chan struct{}),
	}
	p.result.Program = program
	p.result.Args = args
	p.result.ExitCode = -1
	go p.wait(opts.Timeout)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	ctx    context.Context
	runCtx context.Context
	cancel context.CancelFunc
	stdout *lineWriter
	stderr *lineWriter
	start  time.Time
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool

	done   chan struct{}
	result Result
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Wait() Result {
	<-p.done
	return p.result
}

func (p *execProcess) Stop() Result {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	return p.Wait()
}

func (p *execProcess) wait(timeout time.Duration) {
	defer close(p.done)
	defer p.cancel()

	err := p.cmd.Wait()
	p.stdout.flush()
	p.stderr.flush()

	res := &p.result
	res.Duration = time.Since(p.start)
	res.Stdout = p.stdout.String()
	res.Stderr = p.stderr.String()

	// Wait reports the context error, not the exit status, for a child that
	// exits cleanly after being signalled, so read the status directly.
	if ps := p.cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			res.Signal = status.Signal().String()
		}
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	// A child that outlives its deadline has timed out even if it then
	// exits 0.
	switch {
	case errors.Is(p.runCtx.Err(), context.DeadlineExceeded) && p.ctx.Err() == nil:
		res.TimedOut = true
		res.Stderr = appendNote(res.Stderr, fmt.Sprintf("command timed out after %s", timeout))
	case (p.ctx.Err() != nil || stopped) && err != nil:
		res.Canceled = true
	}
	res.Success = err == nil && !res.TimedOut

	p.logger.Debug("command finished",
		"program", res.Program,
		"exit_code", res.ExitCode,
		"success", res.Success,
		"timed_out", res.TimedOut,
		"duration_ms", float64(res.Duration.Microseconds())/1000,
	)
}

func appendNote(s, note string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + note
	}
	return s + "\n" + note
}

// emitter serializes line callbacks from both output streams.
type emitter struct {
	mu sync.Mutex
	fn func(Line)
}

func (e *emitter) emit(l Line) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn(l)
}

// lineWriter captures a stream and splits it into lines as it arrives.
type lineWriter struct {
	stream  Stream
	emit    *emitter
	all     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.all.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		text := strings.TrimRight(string(w.partial[:i]), "\r")
		w.partial = w.partial[i+1:]
		w.emit.emit(Line{Stream: w.stream, Text: text})
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) == 0 {
		return
	}
	text := strings.TrimRight(string(w.partial), "\r")
	w.partial = nil
	w.emit.emit(Line{Stream: w.stream, Text: text})
}

func (w *lineWriter) String() string {
	return w.all.String()
}
