// Package postgres provides the production task store backed by
// PostgreSQL.
//
// Dequeue uses a row-level lock with SKIP LOCKED over a subquery ordered
// by creation time, which guarantees that two concurrent dequeues never
// claim the same task while letting workers skip rows held by peers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/downstreamhq/downstream/task"
)

// Schema creates the tasks table and its indexes. The partial index over
// queued rows keeps dequeue O(log N) in queue depth regardless of how
// many terminal rows are retained.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id      TEXT PRIMARY KEY,
    task_type    TEXT NOT NULL,
    repository   TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'queued',
    input        JSONB,
    result       JSONB,
    error        TEXT,
    worker_id    TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_queued
    ON tasks (status, created_at) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS idx_tasks_repository
    ON tasks (repository);
CREATE INDEX IF NOT EXISTS idx_tasks_completed_at
    ON tasks (completed_at) WHERE status IN ('completed', 'failed');
`

const taskColumns = `task_id, task_type, repository, status, input, result, error, worker_id, created_at, started_at, completed_at, updated_at`

// Store is the PostgreSQL implementation of the task.Store interface.
type Store struct {
	db *sqlx.DB
}

// Compile-time check that Store implements task.Store.
var _ task.Store = (*Store)(nil)

// New creates a Store over the given database handle.
func New(db *sqlx.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the tasks table and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure tasks schema: %w", err)
	}
	return nil
}

// Create inserts a new queued task and returns its id.
func (s *Store) Create(ctx context.Context, taskType, repository string, input map[string]any) (string, error) {
	id := uuid.New().String()
	const q = `
        INSERT INTO tasks (task_id, task_type, repository, status, input, created_at, updated_at)
        VALUES ($1, $2, $3, 'queued', $4, now(), now())`
	if _, err := s.db.ExecContext(ctx, q, id, taskType, repository, task.JSONMap(input)); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued task for the given worker. The
// select-and-update is a single statement: the inner SELECT takes a row
// lock and skips rows locked by concurrent dequeues, the outer UPDATE
// transitions the claimed row to processing.
func (s *Store) Dequeue(ctx context.Context, workerID string) (*task.Task, error) {
	const q = `
        UPDATE tasks
        SET status = 'processing', worker_id = $1, started_at = now(), updated_at = now()
        WHERE task_id = (
            SELECT task_id FROM tasks
            WHERE status = 'queued'
            ORDER BY created_at ASC, task_id ASC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + taskColumns
	var t task.Task
	err := s.db.QueryRowxContext(ctx, q, workerID).StructScan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	return &t, nil
}

// Update transitions a task to the given status. The WHERE clause guards
// against double-terminal writes; a zero-row update against an existing
// task means it was already terminal.
func (s *Store) Update(ctx context.Context, taskID string, status task.Status, result map[string]any, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("update task %s: invalid status %q", taskID, status)
	}
	const q = `
        UPDATE tasks
        SET status = $2,
            result = COALESCE($3, result),
            error = COALESCE(NULLIF($4, ''), error),
            completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END,
            updated_at = now()
        WHERE task_id = $1 AND status NOT IN ('completed', 'failed')`
	res, err := s.db.ExecContext(ctx, q, taskID, string(status), task.JSONMap(result), errMsg)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: rows affected: %w", taskID, err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, taskID); gerr != nil {
			return gerr
		}
		return task.ErrTerminal
	}
	return nil
}

// Get returns the task by id, or task.ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`
	var t task.Task
	err := s.db.QueryRowxContext(ctx, q, taskID).StructScan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &t, nil
}

// Stats returns queue occupancy counts by status.
func (s *Store) Stats(ctx context.Context) (task.Stats, error) {
	const q = `
        SELECT
            COUNT(*) FILTER (WHERE status = 'queued')     AS queued,
            COUNT(*) FILTER (WHERE status = 'processing') AS processing,
            COUNT(*) FILTER (WHERE status = 'completed')  AS completed,
            COUNT(*) FILTER (WHERE status = 'failed')     AS failed,
            COUNT(*)                                      AS total
        FROM tasks`
	var st task.Stats
	if err := s.db.QueryRowxContext(ctx, q).StructScan(&st); err != nil {
		return task.Stats{}, fmt.Errorf("task stats: %w", err)
	}
	return st, nil
}

// Cleanup deletes terminal tasks completed before the cutoff.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	const q = `
        DELETE FROM tasks
        WHERE status IN ('completed', 'failed') AND completed_at < $1`
	res, err := s.db.ExecContext(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: rows affected: %w", err)
	}
	return int(n), nil
}

// Requeue reclaims processing tasks whose started_at is older than the
// cutoff, returning them to the queue with worker_id cleared.
func (s *Store) Requeue(ctx context.Context, olderThan time.Time) (int, error) {
	const q = `
        UPDATE tasks
        SET status = 'queued', worker_id = NULL, started_at = NULL, updated_at = now()
        WHERE status = 'processing' AND started_at < $1`
	res, err := s.db.ExecContext(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: rows affected: %w", err)
	}
	return int(n), nil
}

// Healthy reports whether the database connection is usable.
func (s *Store) Healthy(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
