package models

import "time"

// AlertType identifies the threshold that was breached
type AlertType string

const (
	AlertHighErrorRate         AlertType = "high_error_rate"
	AlertHighMemoryUsage       AlertType = "high_memory_usage"
	AlertStuckTrainingJobs     AlertType = "stuck_training_jobs"
	AlertUnhealthyDeployments  AlertType = "unhealthy_deployments"
	AlertDatabaseConnectionErr AlertType = "database_connection_error"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EntityRef points at the record an alert is about
type EntityRef struct {
	Type Domain `json:"type"`
	ID   string `json:"id"`
}

// Alert is a recorded threshold breach. Alerts are never deleted; only
// acknowledged.
type Alert struct {
	ID             string                 `json:"id"`
	Type           AlertType              `json:"type"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	RelatedEntity  *EntityRef             `json:"relatedEntity,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	RaisedAt       time.Time              `json:"raisedAt"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
}
