package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/graph"
	"github.com/downstreamhq/downstream/triage"
)

// ConsumerTriage runs consumer triage synchronously for an explicit
// provider/consumer list, bypassing the queue. Protected: it can be an
// expensive fan-out.
type ConsumerTriage struct {
	graph    graph.Store
	analyzer triage.ConsumerAnalyzer
}

// Compile-time check that ConsumerTriage implements agent.Skill.
var _ agent.Skill = (*ConsumerTriage)(nil)

// NewConsumerTriage creates the consumer triage action skill.
func NewConsumerTriage(g graph.Store, analyzer triage.ConsumerAnalyzer) (*ConsumerTriage, error) {
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("consumer analyzer is required")
	}
	return &ConsumerTriage{graph: g, analyzer: analyzer}, nil
}

// ID implements agent.Skill.
func (s *ConsumerTriage) ID() string { return IDTriggerConsumerTriage }

// Meta implements agent.Skill.
func (s *ConsumerTriage) Meta() agent.Meta {
	return agent.Meta{
		Name:         "Trigger Consumer Triage",
		Description:  "Run consumer triage directly for a provider and an explicit consumer list.",
		Tags:         []string{"action", "triage"},
		AuthRequired: true,
		InputSchema:  triggerSchema(),
		Examples: []map[string]any{{
			"repository": "acme/api",
			"consumers":  []any{"acme/web"},
			"change_data": map[string]any{
				"commit_sha": "abc123", "change_type": "breaking_change",
			},
		}},
	}
}

// Execute implements agent.Skill.
func (s *ConsumerTriage) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return runTriage(ctx, input, s.graph.Consumers, func(ctx context.Context, provider string, rel graph.Relationship, change map[string]any) (triage.Record, error) {
		return s.analyzer.AnalyzeConsumer(ctx, provider, rel, change, map[string]any{})
	})
}

// TemplateTriage is the template counterpart of ConsumerTriage: it
// propagates a template change to an explicit derivative list.
type TemplateTriage struct {
	graph    graph.Store
	analyzer triage.TemplateAnalyzer
}

// Compile-time check that TemplateTriage implements agent.Skill.
var _ agent.Skill = (*TemplateTriage)(nil)

// NewTemplateTriage creates the template triage action skill.
func NewTemplateTriage(g graph.Store, analyzer triage.TemplateAnalyzer) (*TemplateTriage, error) {
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("template analyzer is required")
	}
	return &TemplateTriage{graph: g, analyzer: analyzer}, nil
}

// ID implements agent.Skill.
func (s *TemplateTriage) ID() string { return IDTriggerTemplateTriage }

// Meta implements agent.Skill.
func (s *TemplateTriage) Meta() agent.Meta {
	return agent.Meta{
		Name:         "Trigger Template Triage",
		Description:  "Run template propagation triage directly for a template and an explicit derivative list.",
		Tags:         []string{"action", "triage"},
		AuthRequired: true,
		InputSchema:  triggerSchema(),
		Examples: []map[string]any{{
			"repository": "acme/service-template",
			"consumers":  []any{"acme/billing-service"},
		}},
	}
}

// Execute implements agent.Skill.
func (s *TemplateTriage) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	return runTriage(ctx, input, s.graph.TemplateRelationships, func(ctx context.Context, provider string, rel graph.Relationship, change map[string]any) (triage.Record, error) {
		return s.analyzer.AnalyzeTemplate(ctx, provider, rel, change, map[string]any{})
	})
}

func triggerSchema() map[string]any {
	return agent.ObjectSchema(map[string]any{
		"repository": map[string]any{"type": "string", "description": "Provider or template repository"},
		"consumers": map[string]any{
			"type": "array", "items": map[string]any{"type": "string"},
			"description": "Explicit downstream repositories; defaults to the graph's edges",
		},
		"change_data": map[string]any{"type": "object"},
	}, "repository")
}

type analyzeEdge func(ctx context.Context, provider string, rel graph.Relationship, change map[string]any) (triage.Record, error)

// runTriage resolves the edges to analyze (explicit list when given,
// graph lookup otherwise) and aggregates the per-edge records.
func runTriage(ctx context.Context, input map[string]any, resolve func(context.Context, string) ([]graph.Relationship, error), analyze analyzeEdge) (map[string]any, error) {
	if missing := agent.RequireStrings(input, "repository"); len(missing) > 0 {
		return agent.Fail("Missing required fields: %s", strings.Join(missing, ", ")), nil
	}
	repo := input["repository"].(string)

	change, _ := input["change_data"].(map[string]any)
	if change == nil {
		change = map[string]any{}
	}

	edges, err := resolveEdges(ctx, repo, input, resolve)
	if err != nil {
		return agent.Fail("resolve downstream of %s: %v", repo, err), nil
	}

	results := make([]any, 0, len(edges))
	breaking := 0
	for _, edge := range edges {
		rec, err := analyze(ctx, repo, edge, change)
		if err != nil {
			results = append(results, map[string]any{
				"consumer_repo": edge.Target,
				"error":         err.Error(),
			})
			continue
		}
		if rec.HasBreakingChanges {
			breaking++
		}
		results = append(results, map[string]any{
			"consumer_repo":        rec.ConsumerRepo,
			"has_breaking_changes": rec.HasBreakingChanges,
			"severity":             rec.Severity,
			"issue_body":           rec.IssueBody,
		})
	}

	return agent.OK(map[string]any{
		"repository":     repo,
		"analyzed":       len(edges),
		"breaking_count": breaking,
		"results":        results,
	}), nil
}

// resolveEdges returns the edges for an explicit consumer list, backed
// by graph lookups for strength/metadata; consumers without a graph edge
// get a synthetic full-strength one. With no explicit list, the graph's
// edges are used as-is.
func resolveEdges(ctx context.Context, repo string, input map[string]any, resolve func(context.Context, string) ([]graph.Relationship, error)) ([]graph.Relationship, error) {
	known, err := resolve(ctx, repo)
	if err != nil {
		return nil, err
	}

	explicit, ok := input["consumers"].([]any)
	if !ok {
		return known, nil
	}

	byTarget := make(map[string]graph.Relationship, len(known))
	for _, rel := range known {
		byTarget[rel.Target] = rel
	}

	edges := make([]graph.Relationship, 0, len(explicit))
	for _, e := range explicit {
		name, ok := e.(string)
		if !ok || name == "" {
			continue
		}
		if rel, ok := byTarget[name]; ok {
			edges = append(edges, rel)
			continue
		}
		edges = append(edges, graph.Relationship{
			Source:   repo,
			Target:   name,
			Type:     graph.TypeConsumer,
			Strength: 1.0,
		})
	}
	return edges, nil
}
