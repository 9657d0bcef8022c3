// Package workflow implements the orchestration workflows executed by
// the worker pool: impact analysis for change notifications and template
// propagation for template changes.
//
// Workflows run with at-least-once semantics and tolerate partial
// failure: peer enrichment, individual triage calls, issue creation, and
// lesson reporting are all best-effort. Only an error that escapes the
// workflow's own boundary finalizes the task as failed; the terminal
// store update is the commit point.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"goa.design/clue/log"

	"github.com/downstreamhq/downstream/a2a"
	"github.com/downstreamhq/downstream/graph"
	"github.com/downstreamhq/downstream/issues"
	"github.com/downstreamhq/downstream/metrics"
	"github.com/downstreamhq/downstream/task"
	"github.com/downstreamhq/downstream/triage"
)

// KnowledgeBasePeer is the peer agent name consulted for deployment
// enrichment and lesson reporting.
const KnowledgeBasePeer = "knowledge-base"

// Peer skill ids on the knowledge-base agent.
const (
	skillDeploymentInfo = "get_deployment_info"
	skillLessonLearned  = "add_lesson_learned"
)

// Engine drives the orchestration workflows. All collaborators are
// injected at startup; the engine itself is stateless and safe for
// concurrent use by multiple workers.
type Engine struct {
	tasks     task.Store
	graph     graph.Store
	peers     *a2a.Peers
	consumers triage.ConsumerAnalyzer
	templates triage.TemplateAnalyzer
	issues    issues.Backend
}

// NewEngine creates a workflow engine. All collaborators are required.
func NewEngine(tasks task.Store, g graph.Store, peers *a2a.Peers, consumers triage.ConsumerAnalyzer, templates triage.TemplateAnalyzer, backend issues.Backend) (*Engine, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if g == nil {
		return nil, fmt.Errorf("graph store is required")
	}
	if peers == nil {
		return nil, fmt.Errorf("peer set is required")
	}
	if consumers == nil {
		return nil, fmt.Errorf("consumer analyzer is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("template analyzer is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("issue backend is required")
	}
	return &Engine{
		tasks:     tasks,
		graph:     g,
		peers:     peers,
		consumers: consumers,
		templates: templates,
		issues:    backend,
	}, nil
}

// AnalyzeImpact is the handler for impact_analysis tasks. It resolves
// the consumers of the changed repository, enriches via the
// knowledge-base peer, fans out consumer triage, creates issues for
// breaking changes, reports a lesson, and finalizes the task.
func (e *Engine) AnalyzeImpact(ctx context.Context, t *task.Task) error {
	return e.run(ctx, t, e.graph.Consumers, func(ctx context.Context, provider string, rel graph.Relationship, change, enrichment map[string]any) (triage.Record, error) {
		return e.consumers.AnalyzeConsumer(ctx, provider, rel, change, enrichment)
	})
}

// PropagateTemplate is the handler for template_triage tasks. Same
// protocol as AnalyzeImpact over template-derivative edges.
func (e *Engine) PropagateTemplate(ctx context.Context, t *task.Task) error {
	return e.run(ctx, t, e.graph.TemplateRelationships, func(ctx context.Context, provider string, rel graph.Relationship, change, enrichment map[string]any) (triage.Record, error) {
		return e.templates.AnalyzeTemplate(ctx, provider, rel, change, enrichment)
	})
}

type analyzeFunc func(ctx context.Context, provider string, rel graph.Relationship, change, enrichment map[string]any) (triage.Record, error)

func (e *Engine) run(ctx context.Context, t *task.Task, resolve func(context.Context, string) ([]graph.Relationship, error), analyze analyzeFunc) error {
	repo := t.Repository
	change := map[string]any(t.Input)

	result, err := e.fanOut(ctx, repo, change, resolve, analyze)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "task_id", V: t.TaskID}, log.KV{K: "repository", V: repo})
		if uerr := e.tasks.Update(ctx, t.TaskID, task.StatusFailed, nil, err.Error()); uerr != nil {
			return fmt.Errorf("finalize failed task %s: %w", t.TaskID, uerr)
		}
		return nil
	}

	if err := e.tasks.Update(ctx, t.TaskID, task.StatusCompleted, result, ""); err != nil {
		return fmt.Errorf("finalize task %s: %w", t.TaskID, err)
	}
	return nil
}

// fanOut performs the workflow steps and builds the result document. It
// returns an error only for unrecovered failures; step-level failures
// are accumulated into the result metadata.
func (e *Engine) fanOut(ctx context.Context, repo string, change map[string]any, resolve func(context.Context, string) ([]graph.Relationship, error), analyze analyzeFunc) (map[string]any, error) {
	// 1. Resolve downstream edges. An empty set is a normal outcome.
	edges, err := resolve(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("resolve consumers of %s: %w", repo, err)
	}

	// 2. Enrich via the knowledge-base peer; failures yield an empty
	// enrichment object and never abort the workflow.
	enrichment := e.enrich(ctx, repo)

	// 3. Fan out triage. Failed calls are logged and recorded as partial
	// failures; their edges are omitted from the results.
	var (
		records  []triage.Record
		failures []map[string]any
	)
	for _, edge := range edges {
		rec, err := analyze(ctx, repo, edge, change, enrichment)
		if err != nil {
			log.Error(ctx, err,
				log.KV{K: "provider", V: repo},
				log.KV{K: "consumer", V: edge.Target})
			failures = append(failures, map[string]any{
				"stage":         "triage",
				"consumer_repo": edge.Target,
				"error":         err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}

	// 4. Create one issue per breaking-change record, preserving triage
	// order. Creation failures are counted, not fatal.
	created := make([]map[string]any, 0)
	affectedRepos := make([]string, 0)
	for _, rec := range records {
		if !rec.HasBreakingChanges {
			continue
		}
		affectedRepos = append(affectedRepos, rec.ConsumerRepo)
		title := fmt.Sprintf("Upstream change in %s requires review", repo)
		issue, err := e.issues.CreateIssue(ctx, rec.ConsumerRepo, title, rec.IssueBody, []string{"impact-analysis"})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "consumer", V: rec.ConsumerRepo})
			failures = append(failures, map[string]any{
				"stage":         "issue_creation",
				"consumer_repo": rec.ConsumerRepo,
				"error":         err.Error(),
			})
			continue
		}
		metrics.IssuesCreated.Inc()
		created = append(created, map[string]any{
			"consumer_repo": rec.ConsumerRepo,
			"issue_url":     issue.URL,
		})
	}

	// 5. Report a lesson when at least one issue was created. Best
	// effort; ignored on failure.
	if len(created) > 0 {
		e.reportLesson(ctx, repo, change, created)
	}

	sort.Strings(affectedRepos)

	result := map[string]any{
		"repository":         repo,
		"consumers_analyzed": len(edges),
		"issues_created":     len(created),
		"issues":             created,
		"triage_results":     recordsToMaps(records),
		"affected_repos":     affectedRepos,
	}
	if len(failures) > 0 {
		result["partial_failures"] = failures
	}
	return result, nil
}

// enrich asks the knowledge-base peer for deployment info. Any failure,
// including the peer not being registered, yields an empty object.
// Failure is signaled by the result's success boolean; an error field
// inside an otherwise successful document is payload, not a failure.
func (e *Engine) enrich(ctx context.Context, repo string) map[string]any {
	peer, ok := e.peers.Get(KnowledgeBasePeer)
	if !ok {
		return map[string]any{}
	}
	out := peer.ExecuteSkill(ctx, skillDeploymentInfo, map[string]any{"repository": repo})
	if out == nil {
		return map[string]any{}
	}
	if success, ok := out["success"].(bool); ok && !success {
		log.Debug(ctx, log.KV{K: "msg", V: "enrichment unavailable"}, log.KV{K: "error", V: out["error"]})
		return map[string]any{}
	}
	return out
}

// reportLesson synthesizes a lesson-learned record from the fan-out and
// sends it to the knowledge-base peer.
func (e *Engine) reportLesson(ctx context.Context, repo string, change map[string]any, created []map[string]any) {
	peer, ok := e.peers.Get(KnowledgeBasePeer)
	if !ok {
		return
	}
	commit, _ := change["commit_sha"].(string)
	repos := make([]string, 0, len(created))
	for _, c := range created {
		if r, ok := c["consumer_repo"].(string); ok {
			repos = append(repos, r)
		}
	}
	lesson := map[string]any{
		"repository": repo,
		"title":      fmt.Sprintf("Change in %s affected %d downstream repo(s)", repo, len(created)),
		"description": fmt.Sprintf(
			"Commit %s in %s triggered impact analysis; issues were filed in: %v",
			commit, repo, repos),
		"category": "impact-analysis",
	}
	out := peer.ExecuteSkill(ctx, skillLessonLearned, lesson)
	if success, _ := out["success"].(bool); !success {
		log.Debug(ctx, log.KV{K: "msg", V: "lesson report failed"}, log.KV{K: "error", V: out["error"]})
	}
}

// recordsToMaps converts triage records to plain maps for storage in the
// task result document. Never nil so completed results always carry a
// triage_results list.
func recordsToMaps(records []triage.Record) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
