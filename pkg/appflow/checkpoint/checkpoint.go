package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Status describes where a thread stood when its checkpoint was written.
type Status string

const (
	// StatusRunning is written after every completed step; NextNode is where
	// execution continues if the process dies before the next save.
	StatusRunning Status = "running"

	// StatusSuspended marks a thread parked at a human or LLM input boundary.
	StatusSuspended Status = "suspended"

	// StatusCompleted marks a thread that reached END.
	StatusCompleted Status = "completed"

	// StatusFailed marks a thread that ended on an error or in the failure node.
	StatusFailed Status = "failed"
)

// Interrupt records which node suspended and what it expects on resume.
type Interrupt struct {
	TokenID string   `json:"token_id"`
	NodeID  string   `json:"node_id"`
	Prompt  string   `json:"prompt,omitempty"`
	Expects []string `json:"expects,omitempty"`
	Schema  string   `json:"schema,omitempty"`
}

// Checkpoint is the persisted snapshot of a thread.
type Checkpoint struct {
	Version   int       `json:"version"`
	ThreadID  string    `json:"thread_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`

	// NodeID is the last node that ran.
	NodeID   string          `json:"node_id,omitempty"`
	State    json.RawMessage `json:"state"`
	NextNode string          `json:"next_node,omitempty"`

	PrevNodeID string     `json:"prev_node_id,omitempty"`
	Interrupt  *Interrupt `json:"interrupt,omitempty"`

	// Steps counts node executions over the life of the thread.
	Steps int `json:"steps"`

	// Failing is set once a node error has routed the thread to its
	// failure node; reaching END from there ends the thread as failed.
	Failing bool `json:"failing,omitempty"`
}

// New creates a running checkpoint. State must already be JSON-serialized.
func New(threadID, nodeID string, sequence int, state []byte, nextNode string) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		ThreadID:  threadID,
		NodeID:    nodeID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		Status:    StatusRunning,
		State:     state,
		NextNode:  nextNode,
	}
}

// WithStatus sets the status.
func (c *Checkpoint) WithStatus(status Status) *Checkpoint {
	c.Status = status
	return c
}

// WithPrevNode sets the previous node ID for debugging.
func (c *Checkpoint) WithPrevNode(prevNodeID string) *Checkpoint {
	c.PrevNodeID = prevNodeID
	return c
}

// WithInterrupt marks the checkpoint as suspended at the interrupt's node.
func (c *Checkpoint) WithInterrupt(in *Interrupt) *Checkpoint {
	c.Interrupt = in
	if in != nil {
		c.Status = StatusSuspended
		c.NextNode = in.NodeID
	}
	return c
}

// WithSteps sets the lifetime step count.
func (c *Checkpoint) WithSteps(steps int) *Checkpoint {
	c.Steps = steps
	return c
}

// WithFailing marks the thread as running its failure path.
func (c *Checkpoint) WithFailing(failing bool) *Checkpoint {
	c.Failing = failing
	return c
}

// Suspended reports whether the thread is waiting for a resume payload.
func (c *Checkpoint) Suspended() bool {
	return c.Status == StatusSuspended && c.Interrupt != nil
}

// Terminal reports whether the thread finished, successfully or not.
func (c *Checkpoint) Terminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// Marshal serializes a checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint and rejects unknown format versions.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return &c, fmt.Errorf("%w: got %d, expected %d", ErrVersionMismatch, c.Version, Version)
	}
	return &c, nil
}
