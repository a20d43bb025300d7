package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Call records one invocation seen by a Fake.
type Call struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Started bool
}

// CommandLine returns the program and arguments joined for display.
func (c Call) CommandLine() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

// Fake is a scripted Runner and Starter for tests. Responses are matched
// in registration order by program and argument prefix. A call with no
// matching response behaves like a missing binary.
type Fake struct {
	mu        sync.Mutex
	responses []*Response
	calls     []Call
}

// NewFake creates an empty fake.
func NewFake() *Fake {
	return &Fake{}
}

// Response is a scripted outcome for matching calls.
type Response struct {
	program string
	prefix  []string
	lines   []Line
	result  Result
	delay   time.Duration
	limit   int
	used    int
}

// On registers a response for program when its arguments start with prefix.
// The response succeeds with no output until told otherwise.
func (f *Fake) On(program string, prefix ...string) *Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &Response{
		program: program,
		prefix:  prefix,
		result:  Result{Success: true},
	}
	f.responses = append(f.responses, r)
	return r
}

// Output streams lines on stdout and captures them as Stdout.
func (r *Response) Output(lines ...string) *Response {
	for _, l := range lines {
		r.lines = append(r.lines, Line{Stream: Stdout, Text: l})
	}
	r.result.Stdout = joinLines(r.lines, Stdout)
	return r
}

// ErrorOutput streams lines on stderr and captures them as Stderr.
func (r *Response) ErrorOutput(lines ...string) *Response {
	for _, l := range lines {
		r.lines = append(r.lines, Line{Stream: Stderr, Text: l})
	}
	r.result.Stderr = joinLines(r.lines, Stderr)
	return r
}

// Exit sets the exit code; non-zero codes fail the run.
func (r *Response) Exit(code int) *Response {
	r.result.ExitCode = code
	r.result.Success = code == 0
	return r
}

// TimeOut makes the run report a timeout.
func (r *Response) TimeOut() *Response {
	r.result.ExitCode = -1
	r.result.Success = false
	r.result.TimedOut = true
	return r
}

// Delay makes the run take d, or until its context ends.
func (r *Response) Delay(d time.Duration) *Response {
	r.delay = d
	return r
}

// Times limits how many calls the response answers. Zero means unlimited.
func (r *Response) Times(n int) *Response {
	r.limit = n
	return r
}

// Once is Times(1).
func (r *Response) Once() *Response {
	return r.Times(1)
}

func (r *Response) matches(program string, args []string) bool {
	if r.program != program || len(args) < len(r.prefix) {
		return false
	}
	if r.limit > 0 && r.used >= r.limit {
		return false
	}
	for i, p := range r.prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}

func (f *Fake) match(call Call) (*Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	for _, r := range f.responses {
		if r.matches(call.Program, call.Args) {
			r.used++
			return r, true
		}
	}
	return nil, false
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, program string, args []string, opts Options) Result {
	resp, ok := f.match(Call{Program: program, Args: args, Dir: opts.Dir, Env: opts.Env})
	if !ok {
		return startFailure(program, args, fmt.Errorf("%s: %w", program, exec.ErrNotFound))
	}

	start := time.Now()
	for _, l := range resp.lines {
		if opts.OnOutputLine != nil {
			opts.OnOutputLine(l)
		}
	}

	res := resp.result
	res.Program = program
	res.Args = args

	if resp.delay > 0 {
		timer := time.NewTimer(resp.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			res.Success = false
			res.Canceled = true
			res.ExitCode = -1
		}
	}
	res.Duration = time.Since(start)
	return res
}

// Start implements Starter. The process runs until Stop is called or ctx
// ends, then reports the scripted result.
func (f *Fake) Start(ctx context.Context, program string, args []string, opts Options) (Process, error) {
	resp, ok := f.match(Call{Program: program, Args: args, Dir: opts.Dir, Env: opts.Env, Started: true})
	if !ok {
		return nil, fmt.Errorf("%s: %w", program, exec.ErrNotFound)
	}
	for _, l := range resp.lines {
		if opts.OnOutputLine != nil {
			opts.OnOutputLine(l)
		}
	}

	p := &fakeProcess{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.result = resp.result
	p.result.Program = program
	p.result.Args = args

	go func() {
		defer close(p.done)
		start := time.Now()
		select {
		case <-p.stop:
		case <-ctx.Done():
			p.result.Canceled = true
			p.result.Success = false
		}
		p.result.Duration = time.Since(start)
	}()
	return p, nil
}

// Calls returns every call seen so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount counts calls to program.
func (f *Fake) CallCount(program string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Program == program {
			n++
		}
	}
	return n
}

type fakeProcess struct {
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
	result Result
}

func (p *fakeProcess) PID() int { return 0 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Wait() Result {
	<-p.done
	return p.result
}

func (p *fakeProcess) Stop() Result {
	p.once.Do(func() { close(p.stop) })
	return p.Wait()
}

func joinLines(lines []Line, stream Stream) string {
	var b strings.Builder
	for _, l := range lines {
		if l.Stream == stream {
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
