// Package triage defines the analyzer contracts used by the impact
// workflow and ships default heuristic implementations.
//
// Analyzers are opaque to the workflow: it hands them a (provider,
// consumer) pair plus the change notification and whatever enrichment
// the knowledge-base peer returned, and gets back a Record. Deployments
// that want model-assisted triage substitute their own analyzer; the
// heuristics here keep the pipeline fully functional without one.
package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/downstreamhq/downstream/graph"
)

// Change type tags carried by change notifications.
const (
	ChangeTypePattern    = "pattern_change"
	ChangeTypeDependency = "dependency_update"
	ChangeTypeBreaking   = "breaking_change"
)

// Record is the outcome of analyzing one (provider, consumer) pair.
type Record struct {
	ConsumerRepo       string         `json:"consumer_repo"`
	HasBreakingChanges bool           `json:"has_breaking_changes"`
	Severity           string         `json:"severity"`
	IssueBody          string         `json:"issue_body"`
	Details            map[string]any `json:"details,omitempty"`
}

// ConsumerAnalyzer triages the impact of a provider change on one
// consumer edge. Implementations must be safe for concurrent use.
type ConsumerAnalyzer interface {
	AnalyzeConsumer(ctx context.Context, provider string, consumer graph.Relationship, change, enrichment map[string]any) (Record, error)
}

// TemplateAnalyzer triages the propagation of a template change to one
// derived repository. Implementations must be safe for concurrent use.
type TemplateAnalyzer interface {
	AnalyzeTemplate(ctx context.Context, template string, derivative graph.Relationship, change, enrichment map[string]any) (Record, error)
}

// Heuristic is the default analyzer for both consumer and template
// triage. It is stateless and safe for concurrent use.
//
// A consumer change is breaking when the notification says so
// (change_type breaking_change), when the changed patterns intersect the
// patterns the edge watches, or when a dependency update lands on a
// strong (strength >= 0.8) edge.
type Heuristic struct{}

// Compile-time checks for both analyzer contracts.
var (
	_ ConsumerAnalyzer = Heuristic{}
	_ TemplateAnalyzer = Heuristic{}
)

// AnalyzeConsumer implements ConsumerAnalyzer.
func (Heuristic) AnalyzeConsumer(_ context.Context, provider string, consumer graph.Relationship, change, enrichment map[string]any) (Record, error) {
	changeType, _ := change["change_type"].(string)
	matched := matchedPatterns(change, consumer.Metadata)

	breaking := changeType == ChangeTypeBreaking ||
		len(matched) > 0 ||
		(changeType == ChangeTypeDependency && consumer.Strength >= 0.8)

	severity := "low"
	switch {
	case changeType == ChangeTypeBreaking:
		severity = "high"
	case breaking:
		severity = "medium"
	}

	rec := Record{
		ConsumerRepo:       consumer.Target,
		HasBreakingChanges: breaking,
		Severity:           severity,
		Details: map[string]any{
			"provider":         provider,
			"change_type":      changeType,
			"matched_patterns": matched,
			"strength":         consumer.Strength,
		},
	}
	if breaking {
		rec.IssueBody = issueBody(provider, consumer.Target, change, matched, enrichment)
	}
	return rec, nil
}

// AnalyzeTemplate implements TemplateAnalyzer. Template propagation is
// stricter than consumer triage: any pattern or breaking change in the
// template flows to every derivative.
func (Heuristic) AnalyzeTemplate(_ context.Context, template string, derivative graph.Relationship, change, enrichment map[string]any) (Record, error) {
	changeType, _ := change["change_type"].(string)
	matched := matchedPatterns(change, derivative.Metadata)
	breaking := changeType == ChangeTypeBreaking || changeType == ChangeTypePattern || len(matched) > 0

	severity := "low"
	if breaking {
		severity = "medium"
	}
	if changeType == ChangeTypeBreaking {
		severity = "high"
	}

	rec := Record{
		ConsumerRepo:       derivative.Target,
		HasBreakingChanges: breaking,
		Severity:           severity,
		Details: map[string]any{
			"template":         template,
			"change_type":      changeType,
			"matched_patterns": matched,
		},
	}
	if breaking {
		rec.IssueBody = issueBody(template, derivative.Target, change, matched, enrichment)
	}
	return rec, nil
}

// Estimate is the synchronous estimator behind the get_impact_analysis
// skill. It predicts fan-out outcomes without peer calls or issue
// creation.
func Estimate(repo string, consumers []graph.Relationship, change map[string]any) map[string]any {
	changeType, _ := change["change_type"].(string)

	affected := make([]string, 0, len(consumers))
	estimated := 0
	for _, c := range consumers {
		affected = append(affected, c.Target)
		if changeType == ChangeTypeBreaking || len(matchedPatterns(change, c.Metadata)) > 0 ||
			(changeType == ChangeTypeDependency && c.Strength >= 0.8) {
			estimated++
		}
	}

	severity := "low"
	switch {
	case changeType == ChangeTypeBreaking && len(consumers) > 0:
		severity = "high"
	case estimated > 0:
		severity = "medium"
	}

	recommendations := []string{}
	if estimated > 0 {
		recommendations = append(recommendations,
			fmt.Sprintf("review the %d consumer(s) with likely breakage before merging", estimated))
	}
	if changeType == ChangeTypeBreaking {
		recommendations = append(recommendations, "coordinate a migration window with downstream owners")
	}
	if len(consumers) == 0 {
		recommendations = append(recommendations, "no registered consumers; no downstream action needed")
	}

	return map[string]any{
		"repository":       repo,
		"affected_repos":   affected,
		"impact_severity":  severity,
		"estimated_issues": estimated,
		"recommendations":  recommendations,
	}
}

// matchedPatterns intersects the notification's changed patterns with the
// watched_patterns recorded on the edge metadata. Matching is by exact
// string or prefix up to a trailing "*".
func matchedPatterns(change map[string]any, metadata map[string]any) []string {
	changed := stringSlice(change["patterns"])
	watched := stringSlice(metadata["watched_patterns"])
	if len(changed) == 0 || len(watched) == 0 {
		return nil
	}
	var matched []string
	for _, c := range changed {
		for _, w := range watched {
			if patternMatches(c, w) {
				matched = append(matched, c)
				break
			}
		}
	}
	return matched
}

func patternMatches(value, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return value == pattern
}

func issueBody(provider, consumer string, change map[string]any, matched []string, enrichment map[string]any) string {
	var b strings.Builder
	commit, _ := change["commit_sha"].(string)
	changeType, _ := change["change_type"].(string)
	fmt.Fprintf(&b, "Upstream change in %s may break %s.\n\n", provider, consumer)
	if commit != "" {
		fmt.Fprintf(&b, "Commit: %s\n", commit)
	}
	if changeType != "" {
		fmt.Fprintf(&b, "Change type: %s\n", changeType)
	}
	if len(matched) > 0 {
		fmt.Fprintf(&b, "Affected patterns: %s\n", strings.Join(matched, ", "))
	}
	if env, ok := enrichment["environment"].(string); ok && env != "" {
		fmt.Fprintf(&b, "Deployment environment: %s\n", env)
	}
	b.WriteString("\nPlease review the change and update your integration if needed.")
	return b.String()
}

func stringSlice(v any) []string {
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
