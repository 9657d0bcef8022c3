// Package memory provides an in-memory implementation of the dependency
// graph store, suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/downstreamhq/downstream/graph"
)

type edgeKey struct {
	source, target, relType string
}

// Store is an in-memory implementation of graph.Store. It is safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	edges map[edgeKey]graph.Relationship
}

// Compile-time check that Store implements graph.Store.
var _ graph.Store = (*Store)(nil)

// New creates a new in-memory graph store.
func New() *Store {
	return &Store{edges: make(map[edgeKey]graph.Relationship)}
}

// Consumers returns the consumer edges whose source is repo, ordered by
// target ascending.
func (s *Store) Consumers(ctx context.Context, repo string) ([]graph.Relationship, error) {
	return s.filter(ctx, func(r graph.Relationship) bool {
		return r.Type == graph.TypeConsumer && r.Source == repo
	})
}

// Providers returns the consumer edges whose target is repo, ordered by
// target ascending.
func (s *Store) Providers(ctx context.Context, repo string) ([]graph.Relationship, error) {
	return s.filter(ctx, func(r graph.Relationship) bool {
		return r.Type == graph.TypeConsumer && r.Target == repo
	})
}

// TemplateRelationships returns the template edges whose source is repo.
func (s *Store) TemplateRelationships(ctx context.Context, repo string) ([]graph.Relationship, error) {
	return s.filter(ctx, func(r graph.Relationship) bool {
		return r.Type == graph.TypeTemplateDerivative && r.Source == repo
	})
}

// Upsert inserts or replaces the edge keyed by (source, target, type).
func (s *Store) Upsert(ctx context.Context, rel graph.Relationship) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edgeKey{rel.Source, rel.Target, rel.Type}] = rel
	return nil
}

func (s *Store) filter(ctx context.Context, keep func(graph.Relationship) bool) ([]graph.Relationship, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]graph.Relationship, 0)
	for _, r := range s.edges {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}
