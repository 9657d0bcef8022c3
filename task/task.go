// Package task defines the durable task model and the store contract used
// by the worker pool and the skill surface.
//
// A task is a unit of asynchronous work created by the event skill and
// drained by workers. The store enforces the lifecycle: tasks enter
// queued, move to processing via the atomic dequeue, and end in exactly
// one of completed or failed. Terminal states are permanent.
package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusQueued marks a task waiting for a worker.
	StatusQueued Status = "queued"
	// StatusProcessing marks a task held by exactly one worker.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a task that finished with a result.
	StatusCompleted Status = "completed"
	// StatusFailed marks a task that finished with an error.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Task is the persistent task record. Input is captured at creation and
// never mutated; Result is written at most once on completion; Error is
// written on failure. Result and Error are mutually exclusive.
type Task struct {
	TaskID      string     `db:"task_id" json:"task_id"`
	TaskType    string     `db:"task_type" json:"task_type"`
	Repository  string     `db:"repository" json:"repository"`
	Status      Status     `db:"status" json:"status"`
	Input       JSONMap    `db:"input" json:"input"`
	Result      JSONMap    `db:"result" json:"result,omitempty"`
	Error       *string    `db:"error" json:"error,omitempty"`
	WorkerID    *string    `db:"worker_id" json:"worker_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Stats summarizes queue occupancy by status.
type Stats struct {
	Queued     int `db:"queued" json:"queued"`
	Processing int `db:"processing" json:"processing"`
	Completed  int `db:"completed" json:"completed"`
	Failed     int `db:"failed" json:"failed"`
	Total      int `db:"total" json:"total"`
}

// JSONMap is a map column stored as JSON. A nil map scans from and stores
// as SQL NULL.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scan json map: unsupported type %T", src)
	}
	if len(b) == 0 {
		*m = nil
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("scan json map: %w", err)
	}
	*m = out
	return nil
}
