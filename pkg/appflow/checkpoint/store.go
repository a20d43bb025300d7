// Package checkpoint persists thread snapshots so a workflow can pause at an
// input boundary, or crash, and continue later from the same place.
//
// Every Store also hands out a per-thread lock. The executor holds it for the
// whole of one run so two callers can never interleave steps on the same
// thread.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store persists the latest checkpoint of each thread.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save replaces the thread's checkpoint.
	Save(ctx context.Context, threadID string, data []byte) error

	// Load retrieves the thread's checkpoint.
	// Returns ErrNotFound if the thread has never been saved.
	Load(ctx context.Context, threadID string) ([]byte, error)

	// List returns metadata for every thread, most recently updated first.
	List(ctx context.Context) ([]Info, error)

	// Delete removes a thread. Returns nil if it doesn't exist.
	Delete(ctx context.Context, threadID string) error

	// Lock blocks until the caller owns the thread or ctx ends.
	Lock(ctx context.Context, threadID string) (Unlock, error)

	// TryLock acquires the thread without waiting.
	// Returns ErrLocked if another caller owns it.
	TryLock(ctx context.Context, threadID string) (Unlock, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Unlock releases a thread lock. Calling it more than once is safe.
type Unlock func()

// Info provides metadata without loading full state.
type Info struct {
	ThreadID  string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrLocked indicates another caller owns the thread.
	ErrLocked = errors.New("thread locked")

	// ErrLockLost indicates a save by a caller whose thread lock expired
	// or was taken over. The save is not applied.
	ErrLockLost = errors.New("thread lock lost")

	// ErrVersionMismatch indicates the checkpoint format is incompatible.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
)
