package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downstreamhq/downstream/a2a"
	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/graph"
	graphmem "github.com/downstreamhq/downstream/graph/memory"
	"github.com/downstreamhq/downstream/skills"
	taskmem "github.com/downstreamhq/downstream/task/memory"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *taskmem.Store) {
	t.Helper()
	tasks := taskmem.New()
	g := graphmem.New()
	require.NoError(t, g.Upsert(context.Background(), graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 0.9,
	}))

	reg := agent.NewRegistry()
	notification, err := skills.NewChangeNotification(tasks)
	require.NoError(t, err)
	require.NoError(t, reg.Register(notification, true))
	deps, err := skills.NewDependencies(g)
	require.NoError(t, err)
	require.NoError(t, reg.Register(deps, false))
	addRel, err := skills.NewAddRelationship(g)
	require.NoError(t, err)
	require.NoError(t, reg.Register(addRel, true))

	srv, err := New(agent.CardInfo{
		Name: "downstream", Version: "test", URL: "http://localhost:8080",
	}, reg, tasks, a2a.NewPeers(), opts...)
	require.NoError(t, err)
	return srv, tasks
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && json.Unmarshal(rec.Body.Bytes(), &out) != nil {
		out = nil
	}
	return rec, out
}

func TestAgentCardEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, out := doJSON(t, srv.Handler(), http.MethodGet, "/.well-known/agent.json", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "downstream", out["name"])
	rendered, ok := out["skills"].([]any)
	require.True(t, ok)
	assert.Len(t, rendered, 3)
}

func TestExecuteMissingSkillID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, out := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute", map[string]any{}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestExecuteUnknownSkill(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, out := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute",
		map[string]any{"skill_id": "mystery"}, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, out["error"], "unknown skill")
}

func TestExecuteProtectedRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, WithAuthToken("secret"))
	h := srv.Handler()

	body := map[string]any{
		"skill_id": skills.IDReceiveChangeNotification,
		"input": map[string]any{
			"repository": "acme/api", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
		},
	}

	rec, _ := doJSON(t, h, http.MethodPost, "/a2a/execute", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/a2a/execute", body,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := doJSON(t, h, http.MethodPost, "/a2a/execute", body,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
}

func TestExecuteUnprotectedSkillNeedsNoToken(t *testing.T) {
	srv, _ := newTestServer(t, WithAuthToken("secret"))
	rec, out := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute", map[string]any{
		"skill_id": skills.IDGetDependencies,
		"input":    map[string]any{"repository": "acme/api"},
	}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
}

func TestExecuteApplicationFailureIsHTTP200(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, out := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute", map[string]any{
		"skill_id": skills.IDGetDependencies,
		"input":    map[string]any{},
	}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["success"])
}

func TestWebhookShim(t *testing.T) {
	srv, tasks := newTestServer(t, WithAuthToken("secret"))
	h := srv.Handler()

	body := map[string]any{
		"repository": "acme/api", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
	}

	rec, _ := doJSON(t, h, http.MethodPost, "/api/webhook/change-notification", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := doJSON(t, h, http.MethodPost, "/api/webhook/change-notification", body,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	all := tasks.Tasks()
	require.Len(t, all, 1)
	assert.Equal(t, "acme/api", all[0].Repository)
}

func TestCancelIsAdvisory(t *testing.T) {
	srv, tasks := newTestServer(t)
	h := srv.Handler()

	id, err := tasks.Create(context.Background(), skills.TaskTypeImpactAnalysis, "acme/api", nil)
	require.NoError(t, err)

	rec, out := doJSON(t, h, http.MethodPost, "/a2a/cancel", map[string]any{"task_id": id}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "cancellation requested", out["message"])
	assert.Equal(t, id, out["task_id"])
	assert.Equal(t, "queued", out["status"])

	// The acknowledgment holds for unknown ids too; only the status
	// enrichment is absent.
	rec, out = doJSON(t, h, http.MethodPost, "/a2a/cancel", map[string]any{"task_id": "nope"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "cancellation requested", out["message"])
	assert.NotContains(t, out, "status")
}

type failingPinger struct{}

func (failingPinger) Healthy(context.Context) error { return assert.AnError }

type okPinger struct{}

func (okPinger) Healthy(context.Context) error { return nil }

func TestHealthHealthy(t *testing.T) {
	srv, tasks := newTestServer(t, WithPinger(okPinger{}))
	_, err := tasks.Create(context.Background(), skills.TaskTypeImpactAnalysis, "acme/api", nil)
	require.NoError(t, err)

	rec, out := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.EqualValues(t, 3, out["skills_registered"])
	registered, ok := out["skills"].([]any)
	require.True(t, ok)
	assert.Len(t, registered, 3)

	queue, ok := out["task_queue"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, queue["queued"])
	assert.EqualValues(t, 0, queue["processing"])
	assert.EqualValues(t, 1, queue["total"])

	db, ok := out["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, db["healthy"])
}

func TestHealthDatabaseDown(t *testing.T) {
	srv, _ := newTestServer(t, WithPinger(failingPinger{}))

	// Degradation travels in the body; the endpoint itself stays 200 so
	// clients can read the document.
	rec, out := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unhealthy", out["status"])
	db, ok := out["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, db["healthy"])
	assert.NotEmpty(t, db["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
