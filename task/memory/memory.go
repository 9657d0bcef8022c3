// Package memory provides an in-memory implementation of the task store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required. It honors
// the same lifecycle and dequeue-exclusivity guarantees as the postgres
// store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/downstreamhq/downstream/task"
)

// Store is an in-memory implementation of the task.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	now   func() time.Time
}

// Compile-time check that Store implements task.Store.
var _ task.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tasks: make(map[string]*task.Task),
		now:   time.Now,
	}
}

// Create inserts a new queued task and returns its id.
func (s *Store) Create(ctx context.Context, taskType, repository string, input map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	id := uuid.New().String()
	s.tasks[id] = &task.Task{
		TaskID:     id,
		TaskType:   taskType,
		Repository: repository,
		Status:     task.StatusQueued,
		Input:      cloneMap(input),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id, nil
}

// Dequeue claims the oldest queued task for the given worker, or returns
// nil when the queue is empty. The single mutex makes the select-and-mark
// atomic: two concurrent calls never claim the same task.
func (s *Store) Dequeue(ctx context.Context, workerID string) (*task.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *task.Task
	for _, t := range s.tasks {
		if t.Status != task.StatusQueued {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.TaskID < oldest.TaskID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := s.now().UTC()
	oldest.Status = task.StatusProcessing
	oldest.WorkerID = &workerID
	oldest.StartedAt = &now
	oldest.UpdatedAt = now
	return cloneTask(oldest), nil
}

// Update transitions a task to the given status.
func (s *Store) Update(ctx context.Context, taskID string, status task.Status, result map[string]any, errMsg string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.IsTerminal() {
		return task.ErrTerminal
	}

	now := s.now().UTC()
	t.Status = status
	t.UpdatedAt = now
	if result != nil {
		t.Result = cloneMap(result)
	}
	if errMsg != "" {
		msg := errMsg
		t.Error = &msg
	}
	if status.IsTerminal() {
		t.CompletedAt = &now
	}
	return nil
}

// Get returns the task by id, or task.ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	return cloneTask(t), nil
}

// Stats returns queue occupancy counts by status.
func (s *Store) Stats(ctx context.Context) (task.Stats, error) {
	select {
	case <-ctx.Done():
		return task.Stats{}, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var st task.Stats
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusQueued:
			st.Queued++
		case task.StatusProcessing:
			st.Processing++
		case task.StatusCompleted:
			st.Completed++
		case task.StatusFailed:
			st.Failed++
		}
		st.Total++
	}
	return st, nil
}

// Cleanup deletes terminal tasks completed before the cutoff.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(olderThan) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// Requeue reclaims processing tasks whose started_at is older than the
// cutoff, returning them to the queue with worker_id cleared.
func (s *Store) Requeue(ctx context.Context, olderThan time.Time) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var reclaimed int
	for _, t := range s.tasks {
		if t.Status == task.StatusProcessing && t.StartedAt != nil && t.StartedAt.Before(olderThan) {
			t.Status = task.StatusQueued
			t.WorkerID = nil
			t.StartedAt = nil
			t.UpdatedAt = s.now().UTC()
			reclaimed++
		}
	}
	return reclaimed, nil
}

// Tasks returns a snapshot of all tasks ordered by creation time. Test
// helper; not part of the task.Store contract.
func (s *Store) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// cloneMap deep-copies via a JSON round trip so nested values are never
// shared with callers, mirroring what the JSONB columns do in postgres.
func cloneMap(m map[string]any) task.JSONMap {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(task.JSONMap, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out task.JSONMap
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func cloneTask(t *task.Task) *task.Task {
	cp := *t
	cp.Input = cloneMap(t.Input)
	cp.Result = cloneMap(t.Result)
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	if t.WorkerID != nil {
		w := *t.WorkerID
		cp.WorkerID = &w
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
