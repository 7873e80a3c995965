// Package repository is the job record store: Postgres repositories built on
// database/sql and lib/pq, plus an in-memory implementation used by tests
// and the memory backend.
package repository

import (
	"context"
	"time"

	"ml-orchestrator/core/models"
)

// TrainingJobFilter narrows ListTrainingJobs. Zero fields do not filter.
type TrainingJobFilter struct {
	OwnerID       string
	Statuses      []models.TrainingStatus
	UpdatedBefore time.Time
	EndedAfter    time.Time
	Limit         int
}

type EvaluationFilter struct {
	OwnerID  string
	IDs      []string
	Statuses []models.EvaluationStatus
	Limit    int
}

type DeploymentFilter struct {
	OwnerID  string
	Statuses []models.DeploymentStatus
	Limit    int
}

type AlertFilter struct {
	ActiveOnly bool
	Limit      int
}

// Update methods take the version the caller read. A positive expectVersion
// that no longer matches fails with apperr.ErrVersionConflict; zero writes
// unconditionally. Missing records fail with apperr.ErrNotFound.

type TrainingJobStore interface {
	CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error
	GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error)
	ListTrainingJobs(ctx context.Context, f TrainingJobFilter) ([]*models.TrainingJob, error)
	UpdateTrainingJob(ctx context.Context, id string, expectVersion int64, upd models.TrainingJobUpdate) (*models.TrainingJob, error)
}

type EvaluationStore interface {
	CreateEvaluation(ctx context.Context, e *models.Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error)
	ListEvaluations(ctx context.Context, f EvaluationFilter) ([]*models.Evaluation, error)
	UpdateEvaluation(ctx context.Context, id string, expectVersion int64, upd models.EvaluationUpdate) (*models.Evaluation, error)
}

type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	ListDeployments(ctx context.Context, f DeploymentFilter) ([]*models.Deployment, error)
	UpdateDeployment(ctx context.Context, id string, expectVersion int64, upd models.DeploymentUpdate) (*models.Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error
}

// AuditStore holds the audit trail and recorded metric samples
type AuditStore interface {
	CreateAuditRecord(ctx context.Context, rec *models.AuditRecord) error
	ListAuditRecords(ctx context.Context, entityType models.Domain, entityID string, limit int) ([]*models.AuditRecord, error)
	DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CreateMetricSample(ctx context.Context, s *models.MetricSample) error
	DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*models.Alert, error)
}

// Store is the full record store
type Store interface {
	TrainingJobStore
	EvaluationStore
	DeploymentStore
	AuditStore
	AlertStore
	Ping(ctx context.Context) error
}
