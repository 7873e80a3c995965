package models

import "time"

// Domain names a family of jobs with its own queue, processor and state machine
type Domain string

const (
	DomainTraining   Domain = "training"
	DomainEvaluation Domain = "evaluation"
	DomainDeployment Domain = "deployment"
)

// Domains lists every domain in a stable order
var Domains = []Domain{DomainTraining, DomainEvaluation, DomainDeployment}

func (d Domain) Valid() bool {
	for _, v := range Domains {
		if v == d {
			return true
		}
	}
	return false
}

// Metrics is an opaque structured payload reported by the ML pipeline
type Metrics map[string]interface{}

// ErrorDetail describes why a job ended in a failed status
type ErrorDetail struct {
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TrainingStatus is the lifecycle status of a training job
type TrainingStatus string

const (
	TrainingPending       TrainingStatus = "pending"
	TrainingPreprocessing TrainingStatus = "preprocessing"
	TrainingTraining      TrainingStatus = "training"
	TrainingValidating    TrainingStatus = "validating"
	TrainingCompleted     TrainingStatus = "completed"
	TrainingFailed        TrainingStatus = "failed"
	TrainingCancelled     TrainingStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s TrainingStatus) Terminal() bool {
	return s == TrainingCompleted || s == TrainingFailed || s == TrainingCancelled
}

// TrainingJob represents a training run delegated to the ML pipeline
type TrainingJob struct {
	ID              string
	OwnerID         string
	ModelID         string
	Name            string
	Status          TrainingStatus
	Progress        float64 // 0-100
	Hyperparameters map[string]interface{}
	Epochs          int
	BatchSize       int
	DatasetInfo     map[string]interface{}
	ExternalRef     string // empty until the pipeline accepts the job
	Cost            float64
	ResultMetrics   Metrics
	ErrorDetail     *ErrorDetail
	Logs            string
	DurationSeconds int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	Version         int64
}

// EvaluationStatus is the lifecycle status of an evaluation
type EvaluationStatus string

const (
	EvaluationPending   EvaluationStatus = "pending"
	EvaluationRunning   EvaluationStatus = "running"
	EvaluationCompleted EvaluationStatus = "completed"
	EvaluationFailed    EvaluationStatus = "failed"
)

func (s EvaluationStatus) Terminal() bool {
	return s == EvaluationCompleted || s == EvaluationFailed
}

// Evaluation represents a model evaluation run
type Evaluation struct {
	ID                   string
	OwnerID              string
	ModelID              string
	TrainingJobID        string
	DatasetID            string
	Name                 string
	Status               EvaluationStatus
	MetricNames          []string // metrics requested from the pipeline
	ExternalRef          string
	Cost                 float64
	Metrics              Metrics
	ConfusionMatrix      interface{}
	ClassificationReport map[string]interface{}
	DriftMetrics         map[string]interface{}
	ErrorDetail          *ErrorDetail
	ExecutionSeconds     float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	EndedAt              *time.Time
	Version              int64
}

// OverallScore is the mean of the numeric result metrics, or nil when there are none
func (e *Evaluation) OverallScore() *float64 {
	var sum float64
	var n int
	for _, v := range e.Metrics {
		switch f := v.(type) {
		case float64:
			sum += f
		case float32:
			sum += float64(f)
		case int:
			sum += float64(f)
		case int64:
			sum += float64(f)
		default:
			continue
		}
		n++
	}
	if n == 0 {
		return nil
	}
	score := sum / float64(n)
	return &score
}

// DeploymentStatus is the lifecycle status of a deployment
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentActive    DeploymentStatus = "active"
	DeploymentUpdating  DeploymentStatus = "updating"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentInactive  DeploymentStatus = "inactive"
)

// Terminal reports whether the deployment has stopped serving
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentFailed || s == DeploymentInactive
}

// HealthStatus is the last observed health of a deployed endpoint.
// It is informational and never drives the lifecycle status.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnknown   HealthStatus = "unknown"
)

// Impaired reports unhealthy or degraded
func (h HealthStatus) Impaired() bool {
	return h == HealthUnhealthy || h == HealthDegraded
}

// TrafficCounters are cumulative request statistics reported for an endpoint
type TrafficCounters struct {
	Requests int64   `json:"requests" mapstructure:"requests"`
	Errors   int64   `json:"errors" mapstructure:"errors"`
	Latency  float64 `json:"latency" mapstructure:"latency"`
}

// ErrorRate returns errors/requests, or 0 without traffic
func (t TrafficCounters) ErrorRate() float64 {
	if t.Requests == 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Requests)
}

// ScalingConfig bounds the instance count of a deployment
type ScalingConfig struct {
	MinInstances      int `json:"minInstances" mapstructure:"minInstances"`
	MaxInstances      int `json:"maxInstances" mapstructure:"maxInstances"`
	TargetUtilization int `json:"targetUtilization,omitempty" mapstructure:"targetUtilization"`
}

// DefaultScalingConfig matches the defaults of newly created deployments
func DefaultScalingConfig() ScalingConfig {
	return ScalingConfig{MinInstances: 1, MaxInstances: 3, TargetUtilization: 70}
}

// Deployment represents a model served behind an endpoint
type Deployment struct {
	ID                string
	OwnerID           string
	ModelID           string
	ModelPath         string // storage artifact of the model; required to deploy
	Name              string
	Environment       string
	Status            DeploymentStatus
	Endpoint          string
	APIKey            string
	ExternalRef       string
	HealthStatus      HealthStatus
	HealthChangedAt   *time.Time
	UnhealthySince    *time.Time // start of the current impaired run, across unhealthy/degraded flips
	LastHealthCheckAt *time.Time
	Traffic           TrafficCounters
	ScalingConfig     ScalingConfig
	Metrics           Metrics
	Cost              float64
	ErrorDetail       *ErrorDetail
	DeployedAt        *time.Time
	ScaledAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	Version           int64
}

// Drained reports whether an active deployment may be taken out of service
func (d *Deployment) Drained() bool {
	return d.Traffic.Requests == 0 || d.ScalingConfig.MinInstances == 0
}

// UptimeHours is the time since the deployment went active
func (d *Deployment) UptimeHours(now time.Time) float64 {
	if d.DeployedAt == nil {
		return 0
	}
	return now.Sub(*d.DeployedAt).Hours()
}
