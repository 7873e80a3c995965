package models

import "time"

// TrainingJobUpdate is a partial update; nil fields are left unchanged.
// A zero UpdatedAt leaves the stored timestamp alone.
type TrainingJobUpdate struct {
	Status          *TrainingStatus
	Progress        *float64
	ExternalRef     *string
	Cost            *float64
	ResultMetrics   Metrics
	ErrorDetail     *ErrorDetail
	AppendLog       string
	DurationSeconds *int64
	StartedAt       *time.Time
	EndedAt         *time.Time
	UpdatedAt       time.Time
}

// Apply merges the update into job
func (u TrainingJobUpdate) Apply(job *TrainingJob) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.ExternalRef != nil {
		job.ExternalRef = *u.ExternalRef
	}
	if u.Cost != nil {
		job.Cost = *u.Cost
	}
	if u.ResultMetrics != nil {
		job.ResultMetrics = u.ResultMetrics
	}
	if u.ErrorDetail != nil {
		job.ErrorDetail = u.ErrorDetail
	}
	if u.AppendLog != "" {
		job.Logs += u.AppendLog
	}
	if u.DurationSeconds != nil {
		job.DurationSeconds = *u.DurationSeconds
	}
	if u.StartedAt != nil {
		job.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		job.EndedAt = u.EndedAt
	}
	if !u.UpdatedAt.IsZero() {
		job.UpdatedAt = u.UpdatedAt
	}
}

// EvaluationUpdate is a partial update of an evaluation
type EvaluationUpdate struct {
	Status               *EvaluationStatus
	ExternalRef          *string
	Cost                 *float64
	Metrics              Metrics
	ConfusionMatrix      interface{}
	ClassificationReport map[string]interface{}
	DriftMetrics         map[string]interface{}
	ErrorDetail          *ErrorDetail
	ExecutionSeconds     *float64
	StartedAt            *time.Time
	EndedAt              *time.Time
	UpdatedAt            time.Time
}

func (u EvaluationUpdate) Apply(e *Evaluation) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.ExternalRef != nil {
		e.ExternalRef = *u.ExternalRef
	}
	if u.Cost != nil {
		e.Cost = *u.Cost
	}
	if u.Metrics != nil {
		e.Metrics = u.Metrics
	}
	if u.ConfusionMatrix != nil {
		e.ConfusionMatrix = u.ConfusionMatrix
	}
	if u.ClassificationReport != nil {
		e.ClassificationReport = u.ClassificationReport
	}
	if u.DriftMetrics != nil {
		e.DriftMetrics = u.DriftMetrics
	}
	if u.ErrorDetail != nil {
		e.ErrorDetail = u.ErrorDetail
	}
	if u.ExecutionSeconds != nil {
		e.ExecutionSeconds = *u.ExecutionSeconds
	}
	if u.StartedAt != nil {
		e.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		e.EndedAt = u.EndedAt
	}
	if !u.UpdatedAt.IsZero() {
		e.UpdatedAt = u.UpdatedAt
	}
}

// DeploymentUpdate is a partial update of a deployment
type DeploymentUpdate struct {
	Status            *DeploymentStatus
	Endpoint          *string
	APIKey            *string
	ExternalRef       *string
	HealthStatus      *HealthStatus
	HealthChangedAt   *time.Time
	UnhealthySince    *time.Time
	LastHealthCheckAt *time.Time
	Traffic           *TrafficCounters
	ScalingConfig     *ScalingConfig
	Metrics           Metrics
	Cost              *float64
	ErrorDetail       *ErrorDetail
	DeployedAt        *time.Time
	ScaledAt          *time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	UpdatedAt         time.Time

	// ClearUnhealthySince resets UnhealthySince once health recovers
	ClearUnhealthySince bool
}

func (u DeploymentUpdate) Apply(d *Deployment) {
	if u.Status != nil {
		d.Status = *u.Status
	}
	if u.Endpoint != nil {
		d.Endpoint = *u.Endpoint
	}
	if u.APIKey != nil {
		d.APIKey = *u.APIKey
	}
	if u.ExternalRef != nil {
		d.ExternalRef = *u.ExternalRef
	}
	if u.HealthStatus != nil {
		d.HealthStatus = *u.HealthStatus
	}
	if u.HealthChangedAt != nil {
		d.HealthChangedAt = u.HealthChangedAt
	}
	if u.UnhealthySince != nil {
		d.UnhealthySince = u.UnhealthySince
	} else if u.ClearUnhealthySince {
		d.UnhealthySince = nil
	}
	if u.LastHealthCheckAt != nil {
		d.LastHealthCheckAt = u.LastHealthCheckAt
	}
	if u.Traffic != nil {
		d.Traffic = *u.Traffic
	}
	if u.ScalingConfig != nil {
		d.ScalingConfig = *u.ScalingConfig
	}
	if u.Metrics != nil {
		d.Metrics = u.Metrics
	}
	if u.Cost != nil {
		d.Cost = *u.Cost
	}
	if u.ErrorDetail != nil {
		d.ErrorDetail = u.ErrorDetail
	}
	if u.DeployedAt != nil {
		d.DeployedAt = u.DeployedAt
	}
	if u.ScaledAt != nil {
		d.ScaledAt = u.ScaledAt
	}
	if u.StartedAt != nil {
		d.StartedAt = u.StartedAt
	}
	if u.EndedAt != nil {
		d.EndedAt = u.EndedAt
	}
	if !u.UpdatedAt.IsZero() {
		d.UpdatedAt = u.UpdatedAt
	}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
