// Package event carries notifications out of a running workflow: thread and
// node lifecycle transitions from the executor, and progress heartbeats from
// long-running build steps.
//
// Events are fire-and-forget. Nothing published here feeds back into graph
// state; subscribers render, log or forward them.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published by appflow components.
const (
	ThreadStarted     = "thread.started"
	ThreadResumed     = "thread.resumed"
	ThreadInterrupted = "thread.interrupted"
	ThreadCompleted   = "thread.completed"
	ThreadFailed      = "thread.failed"

	NodeStarted   = "node.started"
	NodeCompleted = "node.completed"
	NodeFailed    = "node.failed"

	ProgressHeartbeat = "progress.heartbeat"
)

// Event is the core interface for all events in the system.
// Events are immutable once created.
type Event interface {
	ID() string
	Type() string   // e.g. "node.completed"
	Source() string // e.g. "executor", "progress"

	// ThreadID groups every event of one workflow thread.
	ThreadID() string

	Timestamp() time.Time

	Data() any
	DataBytes() []byte
}

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID     string    `json:"id"`
	EventType   string    `json:"type"`
	EventSource string    `json:"source"`
	ThreadID    string    `json:"thread_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// BaseEvent provides a generic event implementation.
// T is the payload type for type-safe access.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`
}

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string { return e.Meta.EventID }

// Type returns the event type.
func (e *BaseEvent[T]) Type() string { return e.Meta.EventType }

// Source returns the event source.
func (e *BaseEvent[T]) Source() string { return e.Meta.EventSource }

// ThreadID returns the workflow thread the event belongs to.
func (e *BaseEvent[T]) ThreadID() string { return e.Meta.ThreadID }

// Timestamp returns when the event occurred.
func (e *BaseEvent[T]) Timestamp() time.Time { return e.Meta.Timestamp }

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any { return e.Payload }

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T { return e.Payload }

// DataBytes returns the serialized payload.
func (e *BaseEvent[T]) DataBytes() []byte {
	// Best effort - errors are ignored for interface compliance
	b, _ := json.Marshal(e.Payload)
	return b
}

// Option configures event creation.
type Option func(*Metadata)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(m *Metadata) { m.EventID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(m *Metadata) { m.Timestamp = t }
}

// New creates a new event with the given type, source, and payload.
func New[T any](eventType, source, threadID string, payload T, opts ...Option) *BaseEvent[T] {
	meta := Metadata{
		EventID:     uuid.New().String(),
		EventType:   eventType,
		EventSource: source,
		ThreadID:    threadID,
		Timestamp:   time.Now(),
	}
	for _, opt := range opts {
		opt(&meta)
	}
	return &BaseEvent[T]{Meta: meta, Payload: payload}
}

// Lifecycle is the payload of thread.* and node.* events.
type Lifecycle struct {
	NodeID     string  `json:"node_id,omitempty"`
	Step       int     `json:"step"`
	Status     string  `json:"status,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
}

// Handler processes events.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}
