// Package metrics declares the prometheus instruments shared across the
// agent. Collectors register against the default registry and are served
// by the RPC server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SkillInvocations counts skill executions by id and outcome.
	SkillInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downstream_skill_invocations_total",
		Help: "Skill executions by skill id and application-level outcome.",
	}, []string{"skill_id", "success"})

	// TasksProcessed counts drained tasks by type and terminal status.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downstream_tasks_processed_total",
		Help: "Tasks drained by the worker pool, by task type and terminal status.",
	}, []string{"task_type", "status"})

	// QueueDepth tracks task counts by status, refreshed on worker polls.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "downstream_queue_depth",
		Help: "Tasks currently in the store by status.",
	}, []string{"status"})

	// IssuesCreated counts issues opened by the workflow.
	IssuesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downstream_issues_created_total",
		Help: "Issues created in consumer repositories.",
	})
)
