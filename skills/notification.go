package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/task"
)

// perTaskEstimate is the rough processing time assumed per queued task
// when computing estimated_completion.
const perTaskEstimate = 2 * time.Minute

// ChangeNotification is the event skill: it validates an incoming change
// notification and enqueues an impact_analysis task carrying the entire
// input as payload. The real outcome is retrieved later through the
// get_orchestration_status skill.
type ChangeNotification struct {
	tasks task.Store
	now   func() time.Time
}

// Compile-time check that ChangeNotification implements agent.Skill.
var _ agent.Skill = (*ChangeNotification)(nil)

// NewChangeNotification creates the event skill over the task store.
func NewChangeNotification(tasks task.Store) (*ChangeNotification, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	return &ChangeNotification{tasks: tasks, now: time.Now}, nil
}

// ID implements agent.Skill.
func (s *ChangeNotification) ID() string { return IDReceiveChangeNotification }

// Meta implements agent.Skill.
func (s *ChangeNotification) Meta() agent.Meta {
	return agent.Meta{
		Name:         "Receive Change Notification",
		Description:  "Accept a repository change notification and queue an impact analysis of its downstream consumers.",
		Tags:         []string{"event", "impact-analysis"},
		AuthRequired: true,
		InputSchema: agent.ObjectSchema(map[string]any{
			"repository": map[string]any{"type": "string", "description": "Changed repository, owner/repo"},
			"commit_sha": map[string]any{"type": "string"},
			"timestamp":  map[string]any{"type": "string", "description": "ISO 8601 change timestamp"},
			"patterns":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"dependencies": map[string]any{
				"type": "array", "items": map[string]any{"type": "string"},
			},
			"change_type": map[string]any{
				"type": "string",
				"enum": []any{"pattern_change", "dependency_update", "breaking_change"},
			},
		}, "repository", "commit_sha", "timestamp"),
		Examples: []map[string]any{{
			"repository": "acme/api",
			"commit_sha": "abc123",
			"timestamp":  "2025-01-15T10:00:00Z",
			"patterns":   []any{"api/v1/*"},
		}},
	}
}

// Execute implements agent.Skill.
func (s *ChangeNotification) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if missing := agent.RequireStrings(input, "repository", "commit_sha", "timestamp"); len(missing) > 0 {
		return agent.Fail("Missing required fields: %s", strings.Join(missing, ", ")), nil
	}
	repo := input["repository"].(string)

	taskID, err := s.tasks.Create(ctx, TaskTypeImpactAnalysis, repo, input)
	if err != nil {
		return agent.Fail("enqueue impact analysis: %v", err), nil
	}

	eta := s.now().UTC().Add(s.estimate(ctx))
	return agent.OK(map[string]any{
		"task_id":              taskID,
		"status":               string(task.StatusQueued),
		"message":              fmt.Sprintf("impact analysis queued for %s", repo),
		"estimated_completion": eta.Format(time.RFC3339),
	}), nil
}

// estimate derives a completion estimate from the queue depth, including
// the just-created task. Best effort; stats failures fall back to the
// per-task floor.
func (s *ChangeNotification) estimate(ctx context.Context) time.Duration {
	st, err := s.tasks.Stats(ctx)
	if err != nil || st.Queued < 1 {
		return perTaskEstimate
	}
	return time.Duration(st.Queued) * perTaskEstimate
}
