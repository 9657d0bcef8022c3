// Package worker runs the pool of goroutines that drain the task store
// and dispatch tasks to workflow handlers by task type.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/downstreamhq/downstream/metrics"
	"github.com/downstreamhq/downstream/task"
)

// DefaultPollInterval is the idle sleep between empty dequeues.
const DefaultPollInterval = 5 * time.Second

type (
	// Handler processes one task. The handler owns the terminal store
	// update; the pool's error path is defense in depth for handlers
	// that fail before finalizing.
	Handler func(ctx context.Context, t *task.Task) error

	// Option configures the pool.
	Option func(*Pool)

	// Pool is a fixed-size set of workers draining the task store. Tasks
	// compete for the store's atomic dequeue; tasks for the same
	// repository are not serialized.
	Pool struct {
		store        task.Store
		handlers     map[string]Handler
		size         int
		pollInterval time.Duration
		idPrefix     string

		wg sync.WaitGroup
	}
)

// WithPollInterval overrides the idle sleep between empty dequeues.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithSize sets the number of workers. Defaults to 2.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// New creates a pool over the given store and handler routing table,
// keyed by task type.
func New(store task.Store, handlers map[string]Handler, opts ...Option) (*Pool, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	p := &Pool{
		store:        store,
		handlers:     handlers,
		size:         2,
		pollInterval: DefaultPollInterval,
		idPrefix:     "worker",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Start launches the workers. They run until ctx is cancelled; an
// in-flight task is not rolled back on shutdown, it either finishes or
// is left in processing for the reaper.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("%s-%d-%s", p.idPrefix, i, uuid.New().String()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until all workers have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	log.Print(ctx, log.KV{K: "msg", V: "worker started"}, log.KV{K: "worker_id", V: workerID})
	for {
		select {
		case <-ctx.Done():
			log.Print(ctx, log.KV{K: "msg", V: "worker stopped"}, log.KV{K: "worker_id", V: workerID})
			return
		default:
		}

		t, err := p.store.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(ctx, err, log.KV{K: "worker_id", V: workerID})
			p.sleep(ctx)
			continue
		}
		if t == nil {
			p.refreshQueueDepth(ctx)
			p.sleep(ctx)
			continue
		}

		p.process(ctx, workerID, t)
	}
}

// process dispatches one task and guarantees a terminal status even when
// the handler fails before finalizing.
func (p *Pool) process(ctx context.Context, workerID string, t *task.Task) {
	log.Print(ctx,
		log.KV{K: "msg", V: "task dequeued"},
		log.KV{K: "worker_id", V: workerID},
		log.KV{K: "task_id", V: t.TaskID},
		log.KV{K: "task_type", V: t.TaskType})

	handler, ok := p.handlers[t.TaskType]
	if !ok {
		msg := fmt.Sprintf("unknown task_type: %s", t.TaskType)
		if err := p.store.Update(ctx, t.TaskID, task.StatusFailed, nil, msg); err != nil {
			log.Error(ctx, err, log.KV{K: "task_id", V: t.TaskID})
		}
		metrics.TasksProcessed.WithLabelValues(t.TaskType, string(task.StatusFailed)).Inc()
		return
	}

	err := p.runHandler(ctx, handler, t)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "task_id", V: t.TaskID}, log.KV{K: "worker_id", V: workerID})
		p.failIfNotTerminal(ctx, t.TaskID, err)
		p.sleep(ctx)
	}
	p.recordOutcome(ctx, t)
}

// runHandler invokes the handler, converting panics into errors so a
// single bad task cannot kill the worker.
func (p *Pool) runHandler(ctx context.Context, handler Handler, t *task.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, t)
}

// failIfNotTerminal writes a failed status unless the handler already
// finalized the task. ErrTerminal here means the terminal write landed
// before the handler error surfaced, which is fine.
func (p *Pool) failIfNotTerminal(ctx context.Context, taskID string, cause error) {
	err := p.store.Update(ctx, taskID, task.StatusFailed, nil, cause.Error())
	if err != nil && !errors.Is(err, task.ErrTerminal) {
		log.Error(ctx, err, log.KV{K: "task_id", V: taskID})
	}
}

func (p *Pool) recordOutcome(ctx context.Context, t *task.Task) {
	final, err := p.store.Get(ctx, t.TaskID)
	if err != nil {
		return
	}
	metrics.TasksProcessed.WithLabelValues(final.TaskType, string(final.Status)).Inc()
}

func (p *Pool) refreshQueueDepth(ctx context.Context) {
	st, err := p.store.Stats(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(string(task.StatusQueued)).Set(float64(st.Queued))
	metrics.QueueDepth.WithLabelValues(string(task.StatusProcessing)).Set(float64(st.Processing))
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}
