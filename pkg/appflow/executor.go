package appflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/appflow/pkg/appflow/checkpoint"
	"github.com/randalmurphal/appflow/pkg/appflow/event"
	"github.com/randalmurphal/appflow/pkg/appflow/observability"
)

// Status is the outcome of a Run or Resume call.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"

	// StatusRunning means the thread stopped between steps (cancellation or
	// a crash) and continues from its next node on the following Run.
	StatusRunning Status = "running"
)

// ResumeToken identifies one suspension of one thread. A token is only
// good for the suspension that issued it.
type ResumeToken struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	NodeID   string `json:"node_id"`
}

// Interrupt tells the caller what a suspended thread is waiting for.
type Interrupt struct {
	Token   ResumeToken
	Prompt  string
	Expects []string
	Schema  string
}

// RunResult is the outcome of advancing a thread.
type RunResult struct {
	ThreadID string
	Status   Status
	State    State

	// Interrupt is set when Status is StatusInterrupted.
	Interrupt *Interrupt

	// Errors holds every failure recorded over the life of the thread.
	Errors []string

	// Steps counts node executions over the life of the thread.
	Steps int
}

// Executor advances threads through a Graph, checkpointing after every step.
//
// Calls for different threads run concurrently. Calls for the same thread
// are serialized through the store's per-thread lock (or rejected with
// ErrThreadBusy under WithRejectConcurrent).
type Executor struct {
	graph *Graph
	store checkpoint.Store
	cfg   executorConfig
}

// NewExecutor creates an executor. A nil store gets an in-memory one.
func NewExecutor(g *Graph, store checkpoint.Store, opts ...Option) *Executor {
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor{graph: g, store: store, cfg: cfg}
}

// Graph returns the executor's graph.
func (e *Executor) Graph() *Graph {
	return e.graph
}

// Store returns the executor's checkpoint store.
func (e *Executor) Store() checkpoint.Store {
	return e.store
}

// thread is the executor's working copy of one thread during a call.
type thread struct {
	id       string
	state    State
	current  string
	prev     string
	lastNode string
	steps    int
	seq      int
	failing  bool
	resumed  bool
}

// Run advances a thread until it completes, suspends, or fails.
//
// With no checkpoint, the thread starts at the entry node with input as its
// initial state. If the thread is suspended, input is the resume payload for
// the suspended node, which runs again with the payload merged into state.
// A thread stopped between steps continues from its next node; a completed
// or failed thread starts a new pass from the entry node with input merged
// over its previous state.
//
// Node failures are not returned as errors when a failure node is
// registered: the result has StatusFailed and the failure node's output.
// Otherwise the error is returned alongside the failed result.
func (e *Executor) Run(ctx context.Context, threadID string, input Patch) (*RunResult, error) {
	return e.advance(ctx, threadID, input, nil)
}

// Resume delivers a payload to the suspension that issued token.
// A token from an earlier suspension fails with ErrStaleResumeToken and a
// payload missing an expected field fails with ErrResumePayloadInvalid;
// neither changes the thread.
func (e *Executor) Resume(ctx context.Context, token ResumeToken, payload Patch) (*RunResult, error) {
	if token.ThreadID == "" || token.ID == "" {
		return nil, fmt.Errorf("%w: incomplete token", ErrStaleResumeToken)
	}
	return e.advance(ctx, token.ThreadID, payload, &token)
}

func (e *Executor) advance(ctx context.Context, threadID string, input Patch, token *ResumeToken) (result *RunResult, runErr error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}

	unlock, err := e.lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	done := observability.TimedOperation()
	start := time.Now()
	observability.LogRunStart(e.cfg.logger, e.graph.name, threadID)

	execCtx := ctx
	if e.cfg.tracingEnabled {
		var span trace.Span
		execCtx, span = e.cfg.spans.StartRunSpan(ctx, e.graph.name, threadID)
		defer func() {
			e.cfg.spans.EndSpanWithError(span, runErr)
		}()
	}

	t, err := e.prepare(execCtx, threadID, input, token)
	if err != nil {
		e.cfg.logger.Warn("thread run rejected",
			"thread_id", threadID,
			"error", err.Error(),
		)
		return nil, err
	}

	result, runErr = e.loop(execCtx, t)

	e.cfg.metrics.RecordThreadRun(ctx, string(result.Status), time.Since(start))
	durationMs := done()
	switch result.Status {
	case StatusCompleted:
		observability.LogRunComplete(e.cfg.logger, threadID, durationMs, result.Steps)
	case StatusInterrupted:
		observability.LogRunInterrupted(e.cfg.logger, threadID, result.Interrupt.Token.NodeID, durationMs)
	default:
		logErr := runErr
		if logErr == nil && len(result.Errors) > 0 {
			logErr = errors.New(result.Errors[len(result.Errors)-1])
		}
		if logErr != nil {
			observability.LogRunError(e.cfg.logger, threadID, logErr, durationMs, t.lastNode)
		}
	}
	return result, runErr
}

func (e *Executor) lock(ctx context.Context, threadID string) (checkpoint.Unlock, error) {
	if e.cfg.rejectBusy {
		unlock, err := e.store.TryLock(ctx, threadID)
		if errors.Is(err, checkpoint.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
		}
		return unlock, err
	}
	return e.store.Lock(ctx, threadID)
}

// prepare loads the thread and decides where execution starts.
func (e *Executor) prepare(ctx context.Context, threadID string, input Patch, token *ResumeToken) (*thread, error) {
	cp, state, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	t := &thread{id: threadID}

	if cp == nil {
		if token != nil {
			return nil, fmt.Errorf("%w: thread %s has no checkpoint", ErrNotSuspended, threadID)
		}
		if t.state, err = (State{}).Merge(e.graph.schema, input); err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		t.current = e.graph.entry
		e.publish(ctx, event.ThreadStarted, threadID, event.Lifecycle{NodeID: t.current})
		return t, nil
	}

	t.steps = cp.Steps
	t.seq = cp.Sequence
	t.prev = cp.NodeID
	t.failing = cp.Failing

	if cp.Suspended() {
		in := cp.Interrupt
		if token != nil && (token.ID != in.TokenID || token.NodeID != in.NodeID) {
			return nil, fmt.Errorf("%w: thread %s is waiting at %s", ErrStaleResumeToken, threadID, in.NodeID)
		}
		if err := checkPayload(in, input); err != nil {
			return nil, err
		}
		if t.state, err = state.Merge(e.graph.schema, input); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResumePayloadInvalid, err)
		}
		t.current = in.NodeID
		t.resumed = true
		observability.LogResume(e.cfg.logger, threadID, in.NodeID)
		if e.cfg.tracingEnabled {
			e.cfg.spans.AddSpanEvent(ctx, "appflow.resume", attribute.String("node.id", in.NodeID))
		}
		e.publish(ctx, event.ThreadResumed, threadID, event.Lifecycle{NodeID: in.NodeID, Step: t.steps})
	} else {
		if token != nil {
			return nil, fmt.Errorf("%w: thread %s is %s", ErrNotSuspended, threadID, cp.Status)
		}
		if t.state, err = state.Merge(e.graph.schema, input); err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		if cp.Status == checkpoint.StatusRunning && cp.NextNode != "" && cp.NextNode != END {
			t.current = cp.NextNode
		} else {
			t.current = e.graph.entry
			t.failing = false
		}
		e.publish(ctx, event.ThreadStarted, threadID, event.Lifecycle{NodeID: t.current, Step: t.steps})
	}

	if !e.graph.HasNode(t.current) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResumeNode, t.current)
	}
	return t, nil
}

// load returns a nil checkpoint when the thread has never been saved.
func (e *Executor) load(ctx context.Context, threadID string) (*checkpoint.Checkpoint, State, error) {
	data, err := e.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, State{}, nil
	}
	if err != nil {
		return nil, State{}, &CheckpointError{Op: "load", Err: err}
	}

	cp, err := checkpoint.Unmarshal(data)
	if errors.Is(err, checkpoint.ErrVersionMismatch) {
		return nil, State{}, fmt.Errorf("%w: %v", ErrCheckpointVersionMismatch, err)
	}
	if err != nil {
		return nil, State{}, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}

	var state State
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, State{}, fmt.Errorf("%w: %v", ErrDeserializeState, err)
	}
	return cp, state, nil
}

func (e *Executor) loop(ctx context.Context, t *thread) (*RunResult, error) {
	base := &executionContext{
		Context:  ctx,
		logger:   e.cfg.logger,
		events:   e.cfg.events,
		threadID: t.id,
	}
	executed := 0

	for {
		if executed >= e.cfg.maxSteps {
			err := &MaxStepsError{Max: e.cfg.maxSteps, LastNodeID: t.current}
			t.recordError(err)
			return e.finish(ctx, t, t.current, StatusFailed, err)
		}

		if err := ctx.Err(); err != nil {
			return e.result(t, StatusRunning), &CancellationError{NodeID: t.current, Cause: err}
		}

		nodeID := t.current
		executed++
		t.steps++
		t.lastNode = nodeID

		stepCtx := ctx
		var span trace.Span
		if e.cfg.tracingEnabled {
			stepCtx, span = e.cfg.spans.StartNodeSpan(ctx, nodeID, t.steps)
		}
		nctx := base.forNode(stepCtx, nodeID, t.steps, t.resumed)

		res, err := e.executeNode(nctx, nodeID, t.state)
		if err == nil {
			err = t.apply(e.graph.schema, nodeID, res.Patch)
		}
		if err == nil && res.Suspend != nil {
			err = checkSuspension(nodeID, res.Suspend)
		}

		var next string
		if err == nil && res.Suspend == nil {
			next, err = e.nextNode(nctx, nodeID, t.state)
		}

		if e.cfg.tracingEnabled {
			if err == nil && res.Suspend != nil {
				e.cfg.spans.AddSpanEvent(stepCtx, "appflow.interrupt",
					attribute.StringSlice("expects", res.Suspend.Expects))
			}
			e.cfg.spans.EndSpanWithError(span, err)
		}

		if err != nil {
			if cause := ctx.Err(); cause != nil {
				return e.result(t, StatusRunning), &CancellationError{NodeID: nodeID, Cause: cause, WasExecuting: true}
			}
			t.recordError(err)
			if e.graph.failure != "" && !t.failing {
				t.failing = true
				if err := e.save(ctx, t, nodeID, e.graph.failure, checkpoint.StatusRunning, nil); err != nil {
					return e.result(t, StatusFailed), err
				}
				t.advanceTo(e.graph.failure)
				continue
			}
			return e.finish(ctx, t, nodeID, StatusFailed, err)
		}

		if res.Suspend != nil {
			return e.suspend(ctx, t, nodeID, res.Suspend)
		}

		if next == END {
			status := StatusCompleted
			if t.failing {
				status = StatusFailed
			}
			return e.finish(ctx, t, nodeID, status, nil)
		}

		// A router choosing the failure node fails the thread just like an error.
		if next == e.graph.failure {
			t.failing = true
		}
		if err := e.save(ctx, t, nodeID, next, checkpoint.StatusRunning, nil); err != nil {
			return e.result(t, StatusFailed), err
		}
		t.advanceTo(next)
	}
}

func (t *thread) advanceTo(next string) {
	t.prev = t.current
	t.current = next
	t.resumed = false
}

func (t *thread) apply(schema Schema, nodeID string, p Patch) error {
	merged, err := t.state.Merge(schema, p)
	if err != nil {
		return &NodeError{NodeID: nodeID, Op: "merge", Err: err}
	}
	t.state = merged
	return nil
}

func (t *thread) recordError(err error) {
	// FieldErrors is always declared, so this merge cannot fail.
	t.state, _ = t.state.Merge(nil, Patch{FieldErrors: err.Error()})
}

func (e *Executor) result(t *thread, status Status) *RunResult {
	return &RunResult{
		ThreadID: t.id,
		Status:   status,
		State:    t.state,
		Errors:   t.state.Strings(FieldErrors),
		Steps:    t.steps,
	}
}

// finish persists a terminal checkpoint.
func (e *Executor) finish(ctx context.Context, t *thread, nodeID string, status Status, cause error) (*RunResult, error) {
	cpStatus := checkpoint.StatusCompleted
	typ := event.ThreadCompleted
	if status == StatusFailed {
		cpStatus = checkpoint.StatusFailed
		typ = event.ThreadFailed
	}

	if err := e.save(ctx, t, nodeID, END, cpStatus, nil); err != nil {
		return e.result(t, StatusFailed), err
	}

	payload := event.Lifecycle{NodeID: nodeID, Step: t.steps, Status: string(status)}
	if cause != nil {
		payload.Error = cause.Error()
	}
	e.publish(ctx, typ, t.id, payload)
	return e.result(t, status), cause
}

func (e *Executor) suspend(ctx context.Context, t *thread, nodeID string, s *Suspension) (*RunResult, error) {
	id, err := gonanoid.New()
	if err != nil {
		return e.result(t, StatusFailed), fmt.Errorf("generate resume token: %w", err)
	}

	expects := append([]string(nil), s.Expects...)
	in := &checkpoint.Interrupt{
		TokenID: id,
		NodeID:  nodeID,
		Prompt:  s.Prompt,
		Expects: expects,
		Schema:  s.Schema,
	}
	if err := e.save(ctx, t, nodeID, nodeID, checkpoint.StatusSuspended, in); err != nil {
		return e.result(t, StatusFailed), err
	}

	e.cfg.metrics.RecordInterrupt(ctx, nodeID)
	e.publish(ctx, event.ThreadInterrupted, t.id, event.Lifecycle{NodeID: nodeID, Step: t.steps})

	r := e.result(t, StatusInterrupted)
	r.Interrupt = &Interrupt{
		Token:   ResumeToken{ID: id, ThreadID: t.id, NodeID: nodeID},
		Prompt:  s.Prompt,
		Expects: expects,
		Schema:  s.Schema,
	}
	return r, nil
}

// save persists the thread. Saves ignore cancellation of ctx so a step that
// finished is never lost.
func (e *Executor) save(ctx context.Context, t *thread, nodeID, next string, status checkpoint.Status, in *checkpoint.Interrupt) error {
	stateBytes, err := json.Marshal(t.state)
	if err != nil {
		return &CheckpointError{NodeID: nodeID, Op: "serialize", Err: err}
	}

	t.seq++
	cp := checkpoint.New(t.id, nodeID, t.seq, stateBytes, next).
		WithStatus(status).
		WithPrevNode(t.prev).
		WithSteps(t.steps).
		WithFailing(t.failing).
		WithInterrupt(in)

	data, err := cp.Marshal()
	if err != nil {
		return &CheckpointError{NodeID: nodeID, Op: "marshal", Err: err}
	}

	if err := e.store.Save(context.WithoutCancel(ctx), t.id, data); err != nil {
		return &CheckpointError{NodeID: nodeID, Op: "save", Err: err}
	}

	observability.LogCheckpoint(e.cfg.logger, t.id, t.seq, len(data))
	e.cfg.metrics.RecordCheckpoint(ctx, nodeID, int64(len(data)))
	return nil
}

func (e *Executor) publish(ctx context.Context, typ, threadID string, payload event.Lifecycle) {
	if e.cfg.events == nil {
		return
	}
	if err := e.cfg.events.Publish(ctx, event.New(typ, "executor", threadID, payload)); err != nil {
		e.cfg.logger.Debug("event publish failed", "type", typ, "error", err.Error())
	}
}

// Inspect reports a thread's persisted status without advancing it.
// Returns checkpoint.ErrNotFound for unknown threads.
func (e *Executor) Inspect(ctx context.Context, threadID string) (*RunResult, error) {
	cp, state, err := e.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, threadID)
	}

	r := &RunResult{
		ThreadID: threadID,
		State:    state,
		Errors:   state.Strings(FieldErrors),
		Steps:    cp.Steps,
	}
	switch cp.Status {
	case checkpoint.StatusCompleted:
		r.Status = StatusCompleted
	case checkpoint.StatusFailed:
		r.Status = StatusFailed
	case checkpoint.StatusSuspended:
		r.Status = StatusInterrupted
		if in := cp.Interrupt; in != nil {
			r.Interrupt = &Interrupt{
				Token:   ResumeToken{ID: in.TokenID, ThreadID: threadID, NodeID: in.NodeID},
				Prompt:  in.Prompt,
				Expects: in.Expects,
				Schema:  in.Schema,
			}
		}
	default:
		r.Status = StatusRunning
	}
	return r, nil
}
