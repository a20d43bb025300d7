package appflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/appflow/pkg/appflow/event"
)

// Context provides execution context to nodes and routers.
// It extends context.Context with appflow-specific services and metadata.
//
// Context is immutable after creation. The executor derives a new one for
// each step with the node ID, step number, and an enriched logger.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with thread and node
	// context. Never returns nil.
	Logger() *slog.Logger

	// Events returns the event bus, or nil if not configured.
	Events() event.Bus

	// ThreadID returns the thread being advanced.
	ThreadID() string

	// NodeID returns the current node. Empty outside a step.
	NodeID() string

	// Step returns the thread's lifetime step count, including this one.
	Step() int

	// Resumed is true only for the execution that re-enters a suspended
	// node with its resume payload merged into state.
	Resumed() bool
}

type executionContext struct {
	context.Context

	logger   *slog.Logger
	events   event.Bus
	threadID string
	nodeID   string
	step     int
	resumed  bool
}

func (c *executionContext) Logger() *slog.Logger { return c.logger }
func (c *executionContext) Events() event.Bus { return c.events }
func (c *executionContext) ThreadID() string { return c.threadID }
func (c *executionContext) NodeID() string { return c.nodeID }
func (c *executionContext) Step() int { return c.step }
func (c *executionContext) Resumed() bool { return c.resumed }

// ContextOption configures a Context created with NewContext.
type ContextOption func(*executionContext)

// WithContextLogger sets the logger.
func WithContextLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithContextEvents sets the event bus.
func WithContextEvents(bus event.Bus) ContextOption {
	return func(c *executionContext) {
		c.events = bus
	}
}

// WithContextThreadID sets the thread ID. If not set, a UUID is generated.
func WithContextThreadID(id string) ContextOption {
	return func(c *executionContext) {
		c.threadID = id
	}
}

// WithContextNode sets the node ID and step.
func WithContextNode(nodeID string, step int) ContextOption {
	return func(c *executionContext) {
		c.nodeID = nodeID
		c.step = step
	}
}

// WithContextResumed marks the context as a resume re-entry.
func WithContextResumed(resumed bool) ContextOption {
	return func(c *executionContext) {
		c.resumed = resumed
	}
}

// NewContext creates a Context from a standard context. The executor builds
// its own; this is for calling nodes directly, mostly in tests.
//
// Example:
//
//	ctx := appflow.NewContext(context.Background(),
//	    appflow.WithContextThreadID("thread-1"),
//	    appflow.WithContextResumed(true))
//	res, err := node.Execute(ctx, state)
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.threadID == "" {
		ec.threadID = uuid.New().String()
	}
	return ec
}

// forNode derives the per-step context.
func (c *executionContext) forNode(ctx context.Context, nodeID string, step int, resumed bool) *executionContext {
	return &executionContext{
		Context:  ctx,
		logger:   c.logger.With("thread_id", c.threadID, "node_id", nodeID, "step", step),
		events:   c.events,
		threadID: c.threadID,
		nodeID:   nodeID,
		step:     step,
		resumed:  resumed,
	}
}
