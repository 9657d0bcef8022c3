package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downstreamhq/downstream/graph"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := New(sqlx.NewDb(db, "pgx"))
	require.NoError(t, err)
	return store, mock
}

func relationshipRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"source_repo", "target_repo", "relationship_type", "strength", "metadata",
	})
}

func TestConsumersScansMetadata(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`SELECT source_repo, target_repo, relationship_type, strength, metadata\s+FROM relationships`).
		WithArgs(graph.TypeConsumer, "acme/api").
		WillReturnRows(relationshipRows().
			AddRow("acme/api", "acme/cli", "consumer", 0.5, nil).
			AddRow("acme/api", "acme/web", "consumer", 0.9, []byte(`{"watched_patterns":["api/v1/*"]}`)))

	consumers, err := store.Consumers(context.Background(), "acme/api")
	require.NoError(t, err)
	require.Len(t, consumers, 2)
	assert.Nil(t, consumers[0].Metadata)
	assert.Equal(t, []any{"api/v1/*"}, consumers[1].Metadata["watched_patterns"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumersEmpty(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`FROM relationships`).
		WithArgs(graph.TypeConsumer, "acme/none").
		WillReturnRows(relationshipRows())

	consumers, err := store.Consumers(context.Background(), "acme/none")
	require.NoError(t, err)
	assert.NotNil(t, consumers)
	assert.Empty(t, consumers)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRelationshipsFilterByType(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`FROM relationships`).
		WithArgs(graph.TypeTemplateDerivative, "acme/template").
		WillReturnRows(relationshipRows().
			AddRow("acme/template", "acme/svc", "template_derivative", 1.0, nil))

	derived, err := store.TemplateRelationships(context.Background(), "acme/template")
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, graph.TypeTemplateDerivative, derived[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`(?s)INSERT INTO relationships.*ON CONFLICT`).
		WithArgs("acme/api", "acme/web", "consumer", 0.9, []byte(`{"team":"web"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer,
		Strength: 0.9, Metadata: map[string]any{"team": "web"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNilMetadata(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO relationships`).
		WithArgs("acme/api", "acme/web", "consumer", 1.0, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 1.0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
