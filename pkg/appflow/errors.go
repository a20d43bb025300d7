package appflow

import (
	"errors"
	"fmt"

	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
)

// Sentinel errors for graph construction.
var (
	// ErrNoEntryPoint indicates the definition has no Entry.
	ErrNoEntryPoint = errors.New("entry point not set")

	// ErrEntryNotFound indicates the entry point references a non-existent node.
	ErrEntryNotFound = errors.New("entry point node not found")

	// ErrFailureNotFound indicates the failure node references a non-existent node.
	ErrFailureNotFound = errors.New("failure node not found")

	// ErrNodeNotFound indicates an edge references a non-existent node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidNodeID indicates a node ID is empty, reserved, or contains whitespace.
	ErrInvalidNodeID = errors.New("invalid node ID")

	// ErrNilNode indicates a node was registered without an implementation.
	ErrNilNode = errors.New("node cannot be nil")

	// ErrNoOutgoingEdge indicates a node has no way forward.
	ErrNoOutgoingEdge = errors.New("node has no outgoing edge")

	// ErrMultipleEdges indicates a node has more than one outgoing edge set.
	ErrMultipleEdges = errors.New("node has more than one outgoing edge")

	// ErrNilRouter indicates a conditional edge without a router.
	ErrNilRouter = errors.New("conditional edge has no router")

	// ErrEmptyCandidates indicates a conditional edge with no declared targets.
	ErrEmptyCandidates = errors.New("conditional edge declares no candidates")

	// ErrDuplicateCandidate indicates a conditional edge lists a target twice.
	ErrDuplicateCandidate = errors.New("duplicate router candidate")

	// ErrNoPathToEnd indicates a node cannot reach END.
	ErrNoPathToEnd = errors.New("no path to END")

	// ErrInvalidSchema indicates a bad merge-policy table.
	ErrInvalidSchema = errors.New("invalid state schema")
)

// Sentinel errors for execution.
var (
	// ErrNilContext indicates Run() was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrEmptyThreadID indicates Run() was called without a thread ID.
	ErrEmptyThreadID = errors.New("thread ID cannot be empty")

	// ErrMaxSteps indicates the execution loop exceeded the configured limit.
	ErrMaxSteps = errors.New("exceeded maximum steps")

	// ErrInvalidRouterResult indicates a router function returned an empty string.
	ErrInvalidRouterResult = errors.New("router returned empty string")

	// ErrRouterTargetUndeclared indicates a router returned a name outside its candidates.
	ErrRouterTargetUndeclared = errors.New("router returned undeclared target")

	// ErrUndeclaredField indicates a patch wrote a field missing from the schema.
	ErrUndeclaredField = errors.New("undeclared state field")

	// ErrInvalidFieldValue indicates a patch value that is not JSON-encodable.
	ErrInvalidFieldValue = errors.New("state value is not JSON-encodable")

	// ErrThreadBusy indicates another caller is running the thread.
	ErrThreadBusy = errors.New("thread is busy")
)

// Sentinel errors for checkpointing and resume.
var (
	// ErrNotSuspended indicates a resume token was used on a thread that isn't waiting.
	ErrNotSuspended = errors.New("thread is not suspended")

	// ErrStaleResumeToken indicates the token doesn't match the thread's suspension.
	ErrStaleResumeToken = errors.New("stale resume token")

	// ErrResumePayloadInvalid indicates the payload lacks an expected field
	// or fails the suspension's schema.
	ErrResumePayloadInvalid = errors.New("invalid resume payload")

	// ErrDeserializeState indicates state deserialization failed.
	ErrDeserializeState = errors.New("failed to deserialize state")

	// ErrInvalidResumeNode indicates the checkpointed node doesn't exist in the graph.
	ErrInvalidResumeNode = errors.New("invalid resume node")

	// ErrCheckpointVersionMismatch indicates the checkpoint version is incompatible.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")
)

// ConfigError reports every problem found while validating a Definition.
type ConfigError struct {
	Graph string
	Err   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("graph %s: %v", e.Graph, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements apperrors.Categorized.
func (e *ConfigError) ErrorCategory() apperrors.Category {
	return apperrors.CategoryConfiguration
}

// CheckpointError wraps errors from checkpoint operations.
type CheckpointError struct {
	// NodeID is the node where checkpointing failed.
	NodeID string
	// Op is the operation that failed ("save", "load", "serialize").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s at node %s: %v", e.Op, e.NodeID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NodeError wraps an error with node context.
type NodeError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Op is the operation that failed ("execute", "merge").
	Op string
	// Err is the underlying error from the node.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from node or router execution.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// CancellationError reports a run stopped by its context.
// The thread keeps its last checkpoint and can be run again.
type CancellationError struct {
	// NodeID is the node that was about to execute or was executing.
	NodeID string
	// Cause is context.Canceled or context.DeadlineExceeded.
	Cause error
	// WasExecuting is true if cancellation occurred during node execution.
	WasExecuting bool
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.WasExecuting {
		return fmt.Sprintf("cancelled during node %s: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("cancelled before node %s: %v", e.NodeID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// RouterError wraps errors from conditional edge routing.
type RouterError struct {
	// FromNode is the node with the conditional edge.
	FromNode string
	// Returned is the value the router returned.
	Returned string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	return fmt.Sprintf("router from %s returned %q: %v", e.FromNode, e.Returned, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouterError) Unwrap() error {
	return e.Err
}

// ErrorCategory implements apperrors.Categorized. A router stepping outside
// its declared candidates is a topology mistake, not a runtime condition.
func (e *RouterError) ErrorCategory() apperrors.Category {
	return apperrors.CategoryConfiguration
}

// MaxStepsError provides context when the loop limit is exceeded.
type MaxStepsError struct {
	// Max is the configured step limit.
	Max int
	// LastNodeID is the node that would have executed next.
	LastNodeID string
}

// Error implements the error interface.
func (e *MaxStepsError) Error() string {
	return fmt.Sprintf("exceeded maximum steps (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxSteps for errors.Is support.
func (e *MaxStepsError) Unwrap() error {
	return ErrMaxSteps
}
