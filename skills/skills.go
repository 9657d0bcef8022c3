// Package skills contains the concrete skills exposed by the agent:
// one event skill (change-notification ingestion), three queries
// (impact estimate, dependencies, task status), two direct actions
// (consumer and template triage), and one management skill
// (relationship upsert).
//
// Every skill validates its required fields, catches its own failures,
// and returns them as {success:false, error} results; no Go error
// crosses the skill boundary for application failures.
package skills

// Skill ids of the core surface.
const (
	IDReceiveChangeNotification = "receive_change_notification"
	IDGetImpactAnalysis         = "get_impact_analysis"
	IDGetDependencies           = "get_dependencies"
	IDGetOrchestrationStatus    = "get_orchestration_status"
	IDTriggerConsumerTriage     = "trigger_consumer_triage"
	IDTriggerTemplateTriage     = "trigger_template_triage"
	IDAddDependencyRelationship = "add_dependency_relationship"
)

// Task types enqueued by the event skills and routed by the worker pool.
const (
	TaskTypeImpactAnalysis = "impact_analysis"
	TaskTypeTemplateTriage = "template_triage"
)
