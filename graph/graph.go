// Package graph defines the dependency graph contract: which repositories
// consume, provide for, or derive from which others.
//
// The workflow and the query skills depend only on the Store interface.
// Available implementations:
//
//   - postgres: production store over the relationships table
//   - memory: in-memory store for development and testing
package graph

import "context"

// Relationship types with dedicated query semantics. Other values are
// stored verbatim but only surface through Upsert round-trips.
const (
	TypeConsumer           = "consumer"
	TypeTemplateDerivative = "template_derivative"
)

// Relationship is one directed edge in the dependency graph. For a
// consumer edge, Source is the provider repository and Target the
// repository that depends on it. For a template edge, Source is the
// template and Target the derived repository.
type Relationship struct {
	Source   string         `db:"source_repo" json:"source"`
	Target   string         `db:"target_repo" json:"target"`
	Type     string         `db:"relationship_type" json:"type"`
	Strength float64        `db:"strength" json:"strength"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Store is the dependency graph contract. Implementations must be safe
// for concurrent use and must return relationship lists ordered by
// target repository ascending so fan-out order is deterministic.
type Store interface {
	// Consumers returns the consumer edges whose source is repo.
	Consumers(ctx context.Context, repo string) ([]Relationship, error)

	// Providers returns the consumer edges whose target is repo, i.e.
	// the repositories repo depends on.
	Providers(ctx context.Context, repo string) ([]Relationship, error)

	// TemplateRelationships returns the template edges whose source is
	// repo.
	TemplateRelationships(ctx context.Context, repo string) ([]Relationship, error)

	// Upsert inserts the relationship or updates strength and metadata
	// when an edge with the same (source, target, type) already exists.
	Upsert(ctx context.Context, rel Relationship) error
}
