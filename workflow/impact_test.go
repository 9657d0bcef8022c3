package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downstreamhq/downstream/a2a"
	"github.com/downstreamhq/downstream/graph"
	graphmem "github.com/downstreamhq/downstream/graph/memory"
	issuesmem "github.com/downstreamhq/downstream/issues/memory"
	"github.com/downstreamhq/downstream/task"
	taskmem "github.com/downstreamhq/downstream/task/memory"
	"github.com/downstreamhq/downstream/triage"
)

func newEngine(t *testing.T, g graph.Store, backend *issuesmem.Backend, peers *a2a.Peers) (*Engine, *taskmem.Store) {
	t.Helper()
	tasks := taskmem.New()
	if peers == nil {
		peers = a2a.NewPeers()
	}
	analyzer := triage.Heuristic{}
	engine, err := NewEngine(tasks, g, peers, analyzer, analyzer, backend)
	require.NoError(t, err)
	return engine, tasks
}

func startTask(t *testing.T, tasks *taskmem.Store, taskType, repo string, input map[string]any) *task.Task {
	t.Helper()
	ctx := context.Background()
	id, err := tasks.Create(ctx, taskType, repo, input)
	require.NoError(t, err)
	claimed, err := tasks.Dequeue(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.TaskID)
	return claimed
}

func TestAnalyzeImpactCreatesIssues(t *testing.T) {
	ctx := context.Background()
	g := graphmem.New()
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 0.9,
	}))
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/api", Target: "acme/cli", Type: graph.TypeConsumer, Strength: 0.2,
	}))
	backend := issuesmem.New()
	engine, tasks := newEngine(t, g, backend, nil)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{
		"repository":  "acme/api",
		"commit_sha":  "abc123",
		"change_type": triage.ChangeTypeBreaking,
	})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	final, err := tasks.Get(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.EqualValues(t, 2, final.Result["consumers_analyzed"])
	assert.EqualValues(t, 2, final.Result["issues_created"])
	assert.Equal(t, []string{"acme/cli", "acme/web"}, toStrings(final.Result["affected_repos"]))

	created := backend.Issues()
	require.Len(t, created, 2)
	assert.Contains(t, created[0].Body, "acme/api")
	assert.Equal(t, []string{"impact-analysis"}, created[0].Labels)
}

func TestAnalyzeImpactNoConsumers(t *testing.T) {
	ctx := context.Background()
	engine, tasks := newEngine(t, graphmem.New(), issuesmem.New(), nil)

	claimed := startTask(t, tasks, "impact_analysis", "acme/lonely", map[string]any{
		"repository":  "acme/lonely",
		"change_type": triage.ChangeTypeBreaking,
	})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	final, err := tasks.Get(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.EqualValues(t, 0, final.Result["consumers_analyzed"])
	assert.EqualValues(t, 0, final.Result["issues_created"])
	// Present and empty, never null.
	repos, ok := final.Result["affected_repos"]
	require.True(t, ok)
	assert.Empty(t, repos)
}

// failingGraph fails every lookup.
type failingGraph struct{}

func (failingGraph) Consumers(context.Context, string) ([]graph.Relationship, error) {
	return nil, assert.AnError
}
func (failingGraph) Providers(context.Context, string) ([]graph.Relationship, error) {
	return nil, assert.AnError
}
func (failingGraph) TemplateRelationships(context.Context, string) ([]graph.Relationship, error) {
	return nil, assert.AnError
}
func (failingGraph) Upsert(context.Context, graph.Relationship) error { return assert.AnError }

func TestAnalyzeImpactResolveFailureFinalizesFailed(t *testing.T) {
	ctx := context.Background()
	engine, tasks := newEngine(t, failingGraph{}, issuesmem.New(), nil)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{"repository": "acme/api"})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	final, err := tasks.Get(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "resolve consumers")
}

func TestAnalyzeImpactIssueFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	g := graphmem.New()
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 1,
	}))
	backend := issuesmem.New()
	backend.Fail = map[string]error{"acme/web": assert.AnError}
	engine, tasks := newEngine(t, g, backend, nil)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{
		"repository": "acme/api", "change_type": triage.ChangeTypeBreaking,
	})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	final, err := tasks.Get(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.EqualValues(t, 0, final.Result["issues_created"])
	failures, ok := final.Result["partial_failures"].([]any)
	require.True(t, ok)
	require.Len(t, failures, 1)
	first, ok := failures[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "issue_creation", first["stage"])
}

func TestAnalyzeImpactTerminalTaskReturnsError(t *testing.T) {
	ctx := context.Background()
	engine, tasks := newEngine(t, graphmem.New(), issuesmem.New(), nil)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{"repository": "acme/api"})
	require.NoError(t, tasks.Update(ctx, claimed.TaskID, task.StatusCompleted, nil, ""))

	err := engine.AnalyzeImpact(ctx, claimed)
	assert.ErrorIs(t, err, task.ErrTerminal)
}

func TestAnalyzeImpactEnrichmentAndLesson(t *testing.T) {
	ctx := context.Background()

	var (
		mu      sync.Mutex
		lessons []map[string]any
	)
	kb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SkillID string         `json:"skill_id"`
			Input   map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.SkillID {
		case "get_deployment_info":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "environment": "production"})
		case "add_lesson_learned":
			mu.Lock()
			lessons = append(lessons, req.Input)
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unknown skill"})
		}
	}))
	defer kb.Close()

	peers := a2a.NewPeers()
	peers.Add(KnowledgeBasePeer, a2a.New(kb.URL))

	g := graphmem.New()
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 1,
	}))
	backend := issuesmem.New()
	engine, tasks := newEngine(t, g, backend, peers)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{
		"repository": "acme/api", "commit_sha": "abc123", "change_type": triage.ChangeTypeBreaking,
	})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	created := backend.Issues()
	require.Len(t, created, 1)
	assert.Contains(t, created[0].Body, "production")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lessons, 1)
	assert.Equal(t, "acme/api", lessons[0]["repository"])
	assert.Equal(t, "impact-analysis", lessons[0]["category"])
}

func TestEnrichIgnoresPeerFailureWithoutErrorField(t *testing.T) {
	ctx := context.Background()

	kb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer kb.Close()
	peers := a2a.NewPeers()
	peers.Add(KnowledgeBasePeer, a2a.New(kb.URL))

	g := graphmem.New()
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 1,
	}))
	backend := issuesmem.New()
	engine, tasks := newEngine(t, g, backend, peers)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{
		"repository": "acme/api", "change_type": triage.ChangeTypeBreaking,
	})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	created := backend.Issues()
	require.Len(t, created, 1)
	assert.NotContains(t, created[0].Body, "Deployment environment")
}

func TestEnrichKeepsSuccessfulDocumentWithErrorField(t *testing.T) {
	ctx := context.Background()

	kb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"environment": "staging",
			"error":       "last deploy probe timed out",
		})
	}))
	defer kb.Close()
	peers := a2a.NewPeers()
	peers.Add(KnowledgeBasePeer, a2a.New(kb.URL))

	g := graphmem.New()
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/api", Target: "acme/web", Type: graph.TypeConsumer, Strength: 1,
	}))
	backend := issuesmem.New()
	engine, tasks := newEngine(t, g, backend, peers)

	claimed := startTask(t, tasks, "impact_analysis", "acme/api", map[string]any{
		"repository": "acme/api", "change_type": triage.ChangeTypeBreaking,
	})
	require.NoError(t, engine.AnalyzeImpact(ctx, claimed))

	created := backend.Issues()
	require.Len(t, created, 1)
	assert.Contains(t, created[0].Body, "staging")
}

func TestPropagateTemplate(t *testing.T) {
	ctx := context.Background()
	g := graphmem.New()
	require.NoError(t, g.Upsert(ctx, graph.Relationship{
		Source: "acme/template", Target: "acme/svc", Type: graph.TypeTemplateDerivative, Strength: 1,
	}))
	backend := issuesmem.New()
	engine, tasks := newEngine(t, g, backend, nil)

	claimed := startTask(t, tasks, "template_triage", "acme/template", map[string]any{
		"repository": "acme/template", "change_type": triage.ChangeTypePattern,
	})
	require.NoError(t, engine.PropagateTemplate(ctx, claimed))

	final, err := tasks.Get(ctx, claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.EqualValues(t, 1, final.Result["issues_created"])
	assert.Len(t, backend.Issues(), 1)
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
