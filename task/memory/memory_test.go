package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downstreamhq/downstream/task"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Create(ctx, "impact_analysis", "acme/api", map[string]any{"commit_sha": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, "acme/api", got.Repository)
	assert.Equal(t, "abc", got.Input["commit_sha"])
	assert.Nil(t, got.StartedAt)

	claimed, err := s.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.TaskID)
	assert.Equal(t, task.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)
	assert.NotNil(t, claimed.StartedAt)

	err = s.Update(ctx, id, task.StatusCompleted, map[string]any{"issues_created": 2}, "")
	require.NoError(t, err)

	final, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.EqualValues(t, 2, final.Result["issues_created"])
}

func TestDequeueEmpty(t *testing.T) {
	s := New()
	got, err := s.Dequeue(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	first, err := s.Create(ctx, "impact_analysis", "acme/a", nil)
	require.NoError(t, err)
	second, err := s.Create(ctx, "impact_analysis", "acme/b", nil)
	require.NoError(t, err)

	got, err := s.Dequeue(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, first, got.TaskID)
	got, err = s.Dequeue(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, second, got.TaskID)
}

func TestTerminalIsPermanent(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Create(ctx, "impact_analysis", "acme/api", nil)
	require.NoError(t, err)
	_, err = s.Dequeue(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, id, task.StatusFailed, nil, "boom"))

	err = s.Update(ctx, id, task.StatusCompleted, nil, "")
	assert.ErrorIs(t, err, task.ErrTerminal)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)
}

func TestUpdateNotFound(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), "nope", task.StatusCompleted, nil, "")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, "impact_analysis", fmt.Sprintf("acme/r%d", i), nil)
		require.NoError(t, err)
	}
	claimed, err := s.Dequeue(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, claimed.TaskID, task.StatusCompleted, nil, ""))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Queued)
	assert.Equal(t, 0, st.Processing)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 3, st.Total)
}

func TestCleanupRemovesOldTerminal(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	old, err := s.Create(ctx, "impact_analysis", "acme/old", nil)
	require.NoError(t, err)
	_, err = s.Dequeue(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, old, task.StatusCompleted, nil, ""))

	clock = clock.Add(48 * time.Hour)
	fresh, err := s.Create(ctx, "impact_analysis", "acme/fresh", nil)
	require.NoError(t, err)

	removed, err := s.Cleanup(ctx, clock.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, old)
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = s.Get(ctx, fresh)
	assert.NoError(t, err)
}

func TestRequeueReclaimsStale(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	id, err := s.Create(ctx, "impact_analysis", "acme/api", nil)
	require.NoError(t, err)
	_, err = s.Dequeue(ctx, "w")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	reclaimed, err := s.Requeue(ctx, clock.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)
}

func TestRequeueIgnoresFreshProcessing(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Create(ctx, "impact_analysis", "acme/api", nil)
	require.NoError(t, err)
	_, err = s.Dequeue(ctx, "w")
	require.NoError(t, err)

	reclaimed, err := s.Requeue(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
}

func TestConcurrentDequeueExclusive(t *testing.T) {
	ctx := context.Background()
	s := New()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := s.Create(ctx, "impact_analysis", fmt.Sprintf("acme/r%d", i), nil)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				got, err := s.Dequeue(ctx, fmt.Sprintf("worker-%d", worker))
				if err != nil || got == nil {
					return
				}
				mu.Lock()
				claimed[got.TaskID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "task %s claimed more than once", id)
	}
}

func TestDequeuePropertyOrderedAndExclusive(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("dequeue yields creation order without repeats", prop.ForAll(
		func(count int) bool {
			ctx := context.Background()
			s := New()
			clock := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
			s.now = func() time.Time { clock = clock.Add(time.Millisecond); return clock }

			created := make([]string, 0, count)
			for i := 0; i < count; i++ {
				id, err := s.Create(ctx, "impact_analysis", fmt.Sprintf("acme/r%d", i), nil)
				if err != nil {
					return false
				}
				created = append(created, id)
			}

			for i := 0; i < count; i++ {
				got, err := s.Dequeue(ctx, "w")
				if err != nil || got == nil || got.TaskID != created[i] {
					return false
				}
			}
			got, err := s.Dequeue(ctx, "w")
			return err == nil && got == nil
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Create(ctx, "impact_analysis", "acme/api", map[string]any{"k": "v"})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	got.Input["k"] = "mutated"

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Input["k"])
}

func TestGetReturnsDeepCopy(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Create(ctx, "impact_analysis", "acme/api", map[string]any{
		"change": map[string]any{"patterns": []any{"api/v1/*"}},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	nested, ok := got.Input["change"].(map[string]any)
	require.True(t, ok)
	nested["patterns"] = []any{"mutated"}

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	fresh, ok := again.Input["change"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"api/v1/*"}, fresh["patterns"])
}
