// Package postgres provides the production dependency graph store backed
// by PostgreSQL.
package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/downstreamhq/downstream/graph"
)

// Schema creates the relationships table. The unique constraint makes
// Upsert a plain ON CONFLICT update.
const Schema = `
CREATE TABLE IF NOT EXISTS relationships (
    source_repo       TEXT NOT NULL,
    target_repo       TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    strength          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    metadata          JSONB,
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (source_repo, target_repo, relationship_type)
);
CREATE INDEX IF NOT EXISTS idx_relationships_target
    ON relationships (target_repo);
`

// Store is the PostgreSQL implementation of graph.Store.
type Store struct {
	db *sqlx.DB
}

// Compile-time check that Store implements graph.Store.
var _ graph.Store = (*Store)(nil)

// New creates a Store over the given database handle.
func New(db *sqlx.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the relationships table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure relationships schema: %w", err)
	}
	return nil
}

// Consumers returns the consumer edges whose source is repo.
func (s *Store) Consumers(ctx context.Context, repo string) ([]graph.Relationship, error) {
	const q = `
        SELECT source_repo, target_repo, relationship_type, strength, metadata
        FROM relationships
        WHERE relationship_type = $1 AND source_repo = $2
        ORDER BY target_repo ASC`
	return s.query(ctx, q, graph.TypeConsumer, repo)
}

// Providers returns the consumer edges whose target is repo.
func (s *Store) Providers(ctx context.Context, repo string) ([]graph.Relationship, error) {
	const q = `
        SELECT source_repo, target_repo, relationship_type, strength, metadata
        FROM relationships
        WHERE relationship_type = $1 AND target_repo = $2
        ORDER BY target_repo ASC`
	return s.query(ctx, q, graph.TypeConsumer, repo)
}

// TemplateRelationships returns the template edges whose source is repo.
func (s *Store) TemplateRelationships(ctx context.Context, repo string) ([]graph.Relationship, error) {
	const q = `
        SELECT source_repo, target_repo, relationship_type, strength, metadata
        FROM relationships
        WHERE relationship_type = $1 AND source_repo = $2
        ORDER BY target_repo ASC`
	return s.query(ctx, q, graph.TypeTemplateDerivative, repo)
}

// Upsert inserts the relationship or updates strength and metadata of an
// existing edge.
func (s *Store) Upsert(ctx context.Context, rel graph.Relationship) error {
	const q = `
        INSERT INTO relationships (source_repo, target_repo, relationship_type, strength, metadata, updated_at)
        VALUES ($1, $2, $3, $4, $5, now())
        ON CONFLICT (source_repo, target_repo, relationship_type)
        DO UPDATE SET strength = EXCLUDED.strength, metadata = EXCLUDED.metadata, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, rel.Source, rel.Target, rel.Type, rel.Strength, metadataValue(rel.Metadata)); err != nil {
		return fmt.Errorf("upsert relationship %s -> %s: %w", rel.Source, rel.Target, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]graph.Relationship, error) {
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]graph.Relationship, 0)
	for rows.Next() {
		var (
			rel  graph.Relationship
			meta metadataValue
		)
		if err := rows.Scan(&rel.Source, &rel.Target, &rel.Type, &rel.Strength, &meta); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		rel.Metadata = meta
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return out, nil
}

// metadataValue stores a metadata map as a JSONB column. A nil map maps
// to SQL NULL.
type metadataValue map[string]any

// Value implements driver.Valuer.
func (m metadataValue) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (m *metadataValue) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}
	*m = out
	return nil
}
