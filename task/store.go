package task

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task does not exist in the store.
var ErrNotFound = errors.New("task not found")

// ErrTerminal is returned when an update targets a task that already
// reached a terminal state. Terminal states are permanent.
var ErrTerminal = errors.New("task already in terminal state")

// Store is the durable queue contract. Every method is atomic with
// respect to concurrent callers. Implementations:
//
//   - postgres: production store using row-level locks with skip-locked
//     dequeue semantics
//   - memory: mutex-guarded store for development and testing
//
// New implementations must guarantee that two concurrent Dequeue calls
// never return the same task and must return ErrNotFound / ErrTerminal
// as documented.
type Store interface {
	// Create inserts a new queued task and returns its id. The input
	// payload is captured as-is and never mutated afterwards.
	Create(ctx context.Context, taskType, repository string, input map[string]any) (string, error)

	// Dequeue atomically claims the oldest queued task for the given
	// worker, transitioning it to processing and stamping worker_id and
	// started_at. Returns nil when the queue is empty.
	Dequeue(ctx context.Context, workerID string) (*Task, error)

	// Update transitions a task to the given status, recording result or
	// errMsg. Terminal transitions stamp completed_at. Updating a task
	// already in a terminal state returns ErrTerminal.
	Update(ctx context.Context, taskID string, status Status, result map[string]any, errMsg string) error

	// Get returns the task by id, or ErrNotFound.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Stats returns queue occupancy counts by status.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup deletes terminal tasks completed before the cutoff and
	// returns the number of rows removed. Idempotent.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Requeue flips processing tasks whose started_at is older than the
	// cutoff back to queued, clearing worker_id and started_at. Used by
	// the opt-in stale-task reaper; returns the number of rows reclaimed.
	Requeue(ctx context.Context, olderThan time.Time) (int, error)
}
