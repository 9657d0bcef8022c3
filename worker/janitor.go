package worker

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/downstreamhq/downstream/task"
)

// Janitor periodically removes terminal tasks past their retention and,
// when a reap threshold is configured, returns stale processing tasks to
// the queue. Reaping is opt-in: a zero ReapAfter disables it so crashed
// workers' tasks are never reclaimed silently.
type Janitor struct {
	store     task.Store
	retention time.Duration
	reapAfter time.Duration
	interval  time.Duration
}

// NewJanitor creates a janitor. Retention must be positive; reapAfter
// may be zero to disable stale-task reaping.
func NewJanitor(store task.Store, retention, reapAfter time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		retention: retention,
		reapAfter: reapAfter,
		interval:  time.Hour,
	}
}

// Run executes the cleanup loop until ctx is cancelled. One pass runs
// immediately at startup.
func (j *Janitor) Run(ctx context.Context) {
	j.pass(ctx)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.pass(ctx)
		}
	}
}

func (j *Janitor) pass(ctx context.Context) {
	if j.retention > 0 {
		removed, err := j.store.Cleanup(ctx, time.Now().Add(-j.retention))
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "task cleanup failed"})
		} else if removed > 0 {
			log.Print(ctx, log.KV{K: "msg", V: "tasks cleaned up"}, log.KV{K: "removed", V: removed})
		}
	}
	if j.reapAfter > 0 {
		reclaimed, err := j.store.Requeue(ctx, time.Now().Add(-j.reapAfter))
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "stale task requeue failed"})
		} else if reclaimed > 0 {
			log.Print(ctx, log.KV{K: "msg", V: "stale tasks requeued"}, log.KV{K: "reclaimed", V: reclaimed})
		}
	}
}
