package events

import "ml-orchestrator/core/models"

// Name identifies a kind of event
type Name string

const (
	TrainingStarted   Name = "training.started"
	TrainingProgress  Name = "training.progress"
	TrainingCompleted Name = "training.completed"
	TrainingFailed    Name = "training.failed"
	TrainingCancelled Name = "training.cancelled"

	EvaluationStarted   Name = "evaluation.started"
	EvaluationRunning   Name = "evaluation.running"
	EvaluationCompleted Name = "evaluation.completed"
	EvaluationFailed    Name = "evaluation.failed"

	DeploymentStarted       Name = "deployment.started"
	DeploymentActive        Name = "deployment.active"
	DeploymentUpdated       Name = "deployment.updated"
	DeploymentScaled        Name = "deployment.scaled"
	DeploymentFailed        Name = "deployment.failed"
	DeploymentInactive      Name = "deployment.inactive"
	DeploymentDeleted       Name = "deployment.deleted"
	DeploymentHealthChanged Name = "deployment.health_changed"

	AlertRaised   Name = "alert.raised"
	SystemWarning Name = "system.warning"
	SystemError   Name = "system.error"
)

// TrainingNames, EvaluationNames and DeploymentNames group lifecycle events per domain
var (
	TrainingNames   = []Name{TrainingStarted, TrainingProgress, TrainingCompleted, TrainingFailed, TrainingCancelled}
	EvaluationNames = []Name{EvaluationStarted, EvaluationRunning, EvaluationCompleted, EvaluationFailed}
	DeploymentNames = []Name{DeploymentStarted, DeploymentActive, DeploymentUpdated, DeploymentScaled,
		DeploymentFailed, DeploymentInactive, DeploymentDeleted, DeploymentHealthChanged}
)

type TrainingEvent struct {
	Job     models.TrainingJob
	Message string
}

type EvaluationEvent struct {
	Evaluation models.Evaluation
}

// DeploymentEvent carries the deployment after the change. PreviousHealth is
// set for health changes.
type DeploymentEvent struct {
	Deployment     models.Deployment
	PreviousHealth models.HealthStatus
}

type AlertEvent struct {
	Alert models.Alert
}

// SystemEvent reports a condition of the orchestrator itself
type SystemEvent struct {
	Component string
	Message   string
	Details   map[string]interface{}
}
