package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/graph"
)

// AddRelationship is the management skill that records a dependency edge
// in the relationship graph.
type AddRelationship struct {
	graph graph.Store
}

// Compile-time check that AddRelationship implements agent.Skill.
var _ agent.Skill = (*AddRelationship)(nil)

// NewAddRelationship creates the relationship management skill.
func NewAddRelationship(g graph.Store) (*AddRelationship, error) {
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	return &AddRelationship{graph: g}, nil
}

// ID implements agent.Skill.
func (s *AddRelationship) ID() string { return IDAddDependencyRelationship }

// Meta implements agent.Skill.
func (s *AddRelationship) Meta() agent.Meta {
	return agent.Meta{
		Name:         "Add Dependency Relationship",
		Description:  "Record a consumer or template-derivative edge between two repositories.",
		Tags:         []string{"management", "dependencies"},
		AuthRequired: true,
		InputSchema: agent.ObjectSchema(map[string]any{
			"source": map[string]any{"type": "string", "description": "Provider or template repository"},
			"target": map[string]any{"type": "string", "description": "Consumer or derivative repository"},
			"type": map[string]any{
				"type": "string",
				"enum": []any{graph.TypeConsumer, graph.TypeTemplateDerivative},
			},
			"strength": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"metadata": map[string]any{"type": "object"},
		}, "source", "target", "type"),
		Examples: []map[string]any{{
			"source": "acme/api", "target": "acme/web", "type": graph.TypeConsumer, "strength": 0.9,
		}},
	}
}

// Execute implements agent.Skill.
func (s *AddRelationship) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	if missing := agent.RequireStrings(input, "source", "target", "type"); len(missing) > 0 {
		return agent.Fail("Missing required fields: %s", strings.Join(missing, ", ")), nil
	}

	rel := graph.Relationship{
		Source:   input["source"].(string),
		Target:   input["target"].(string),
		Type:     input["type"].(string),
		Strength: 1.0,
	}
	if rel.Type != graph.TypeConsumer && rel.Type != graph.TypeTemplateDerivative {
		return agent.Fail("unknown relationship type: %s", rel.Type), nil
	}
	if v, ok := input["strength"].(float64); ok {
		if v < 0 || v > 1 {
			return agent.Fail("strength must be between 0 and 1, got %v", v), nil
		}
		rel.Strength = v
	}
	if m, ok := input["metadata"].(map[string]any); ok {
		rel.Metadata = m
	}

	if err := s.graph.Upsert(ctx, rel); err != nil {
		return agent.Fail("store relationship %s -> %s: %v", rel.Source, rel.Target, err), nil
	}

	return agent.OK(map[string]any{
		"source":   rel.Source,
		"target":   rel.Target,
		"type":     rel.Type,
		"strength": rel.Strength,
		"message":  fmt.Sprintf("relationship %s -> %s recorded", rel.Source, rel.Target),
	}), nil
}
