package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/graph"
	"github.com/downstreamhq/downstream/task"
	"github.com/downstreamhq/downstream/triage"
)

// ImpactAnalysis is the synchronous impact query: it resolves consumers
// and runs the estimator without peer calls or side effects.
type ImpactAnalysis struct {
	graph graph.Store
}

// Compile-time check that ImpactAnalysis implements agent.Skill.
var _ agent.Skill = (*ImpactAnalysis)(nil)

// NewImpactAnalysis creates the impact query skill.
func NewImpactAnalysis(g graph.Store) (*ImpactAnalysis, error) {
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	return &ImpactAnalysis{graph: g}, nil
}

// ID implements agent.Skill.
func (s *ImpactAnalysis) ID() string { return IDGetImpactAnalysis }

// Meta implements agent.Skill.
func (s *ImpactAnalysis) Meta() agent.Meta {
	return agent.Meta{
		Name:        "Get Impact Analysis",
		Description: "Estimate the downstream impact of a change without running the full workflow.",
		Tags:        []string{"query", "impact-analysis"},
		InputSchema: agent.ObjectSchema(map[string]any{
			"repository":  map[string]any{"type": "string"},
			"patterns":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"change_type": map[string]any{"type": "string"},
		}, "repository"),
		Examples: []map[string]any{{"repository": "acme/api", "change_type": "breaking_change"}},
	}
}

// Execute implements agent.Skill.
func (s *ImpactAnalysis) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if missing := agent.RequireStrings(input, "repository"); len(missing) > 0 {
		return agent.Fail("Missing required fields: %s", strings.Join(missing, ", ")), nil
	}
	repo := input["repository"].(string)

	consumers, err := s.graph.Consumers(ctx, repo)
	if err != nil {
		return agent.Fail("resolve consumers of %s: %v", repo, err), nil
	}
	return agent.OK(triage.Estimate(repo, consumers, input)), nil
}

// Dependencies is the dependency query skill.
type Dependencies struct {
	graph graph.Store
}

// Compile-time check that Dependencies implements agent.Skill.
var _ agent.Skill = (*Dependencies)(nil)

// NewDependencies creates the dependency query skill.
func NewDependencies(g graph.Store) (*Dependencies, error) {
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	return &Dependencies{graph: g}, nil
}

// ID implements agent.Skill.
func (s *Dependencies) ID() string { return IDGetDependencies }

// Meta implements agent.Skill.
func (s *Dependencies) Meta() agent.Meta {
	return agent.Meta{
		Name:        "Get Dependencies",
		Description: "List the consumers, providers, and template relationships of a repository.",
		Tags:        []string{"query", "dependencies"},
		InputSchema: agent.ObjectSchema(map[string]any{
			"repository": map[string]any{"type": "string"},
		}, "repository"),
		Examples: []map[string]any{{"repository": "acme/api"}},
	}
}

// Execute implements agent.Skill.
func (s *Dependencies) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if missing := agent.RequireStrings(input, "repository"); len(missing) > 0 {
		return agent.Fail("Missing required fields: %s", strings.Join(missing, ", ")), nil
	}
	repo := input["repository"].(string)

	consumers, err := s.graph.Consumers(ctx, repo)
	if err != nil {
		return agent.Fail("resolve consumers of %s: %v", repo, err), nil
	}
	providers, err := s.graph.Providers(ctx, repo)
	if err != nil {
		return agent.Fail("resolve providers of %s: %v", repo, err), nil
	}
	templates, err := s.graph.TemplateRelationships(ctx, repo)
	if err != nil {
		return agent.Fail("resolve template relationships of %s: %v", repo, err), nil
	}

	return agent.OK(map[string]any{
		"repository":             repo,
		"consumers":              relationshipMaps(consumers),
		"providers":              relationshipMaps(providers),
		"template_relationships": relationshipMaps(templates),
		"total_dependencies":     len(consumers) + len(providers) + len(templates),
	}), nil
}

// OrchestrationStatus is the task-status query skill.
type OrchestrationStatus struct {
	tasks task.Store
}

// Compile-time check that OrchestrationStatus implements agent.Skill.
var _ agent.Skill = (*OrchestrationStatus)(nil)

// NewOrchestrationStatus creates the task-status query skill.
func NewOrchestrationStatus(tasks task.Store) (*OrchestrationStatus, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	return &OrchestrationStatus{tasks: tasks}, nil
}

// ID implements agent.Skill.
func (s *OrchestrationStatus) ID() string { return IDGetOrchestrationStatus }

// Meta implements agent.Skill.
func (s *OrchestrationStatus) Meta() agent.Meta {
	return agent.Meta{
		Name:        "Get Orchestration Status",
		Description: "Return the current state and, when finished, the result of an orchestration task.",
		Tags:        []string{"query", "tasks"},
		InputSchema: agent.ObjectSchema(map[string]any{
			"task_id": map[string]any{"type": "string"},
		}, "task_id"),
		Examples: []map[string]any{{"task_id": "4f7c2e9a-0000-0000-0000-000000000000"}},
	}
}

// Execute implements agent.Skill.
func (s *OrchestrationStatus) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if missing := agent.RequireStrings(input, "task_id"); len(missing) > 0 {
		return agent.Fail("Missing required fields: %s", strings.Join(missing, ", ")), nil
	}
	taskID := input["task_id"].(string)

	t, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		return agent.Fail("task not found: %s", taskID), nil
	}
	if err != nil {
		return agent.Fail("get task %s: %v", taskID, err), nil
	}

	out := map[string]any{
		"task_id":    t.TaskID,
		"task_type":  t.TaskType,
		"repository": t.Repository,
		"status":     string(t.Status),
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
	if t.Result != nil {
		out["result"] = map[string]any(t.Result)
	}
	if t.Error != nil {
		out["error_message"] = *t.Error
	}
	if t.StartedAt != nil {
		out["started_at"] = *t.StartedAt
	}
	if t.CompletedAt != nil {
		out["completed_at"] = *t.CompletedAt
	}
	return agent.OK(out), nil
}

// relationshipMaps converts relationships to plain maps for JSON
// results.
func relationshipMaps(rels []graph.Relationship) []any {
	out := make([]any, 0, len(rels))
	for _, r := range rels {
		m := map[string]any{
			"source":   r.Source,
			"target":   r.Target,
			"type":     r.Type,
			"strength": r.Strength,
		}
		if len(r.Metadata) > 0 {
			m["metadata"] = r.Metadata
		}
		out = append(out, m)
	}
	return out
}
