package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

// Memory is an in-process Store. Records are deep-copied on the way in and out
// so callers never share mutable state with the store.
type Memory struct {
	mu          sync.RWMutex
	training    map[string]*models.TrainingJob
	evaluations map[string]*models.Evaluation
	deployments map[string]*models.Deployment
	audit       []*models.AuditRecord
	samples     []*models.MetricSample
	alerts      []*models.Alert
	pingErr     error
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		training:    make(map[string]*models.TrainingJob),
		evaluations: make(map[string]*models.Evaluation),
		deployments: make(map[string]*models.Deployment),
	}
}

// SetPingError makes Ping fail with err; nil restores it
func (m *Memory) SetPingError(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

func checkVersion(op, entity, id string, current, expect int64) error {
	if expect > 0 && expect != current {
		return apperr.VersionConflict(op, entity, id)
	}
	return nil
}

func (m *Memory) CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Version == 0 {
		job.Version = 1
	}
	m.training[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.training[id]
	if !ok {
		return nil, apperr.NotFound("repository.GetTrainingJob", "training job", id)
	}
	return job.Clone(), nil
}

func (m *Memory) ListTrainingJobs(ctx context.Context, f TrainingJobFilter) ([]*models.TrainingJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TrainingJob
	for _, job := range m.training {
		if f.OwnerID != "" && job.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, job.Status) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if !f.EndedAfter.IsZero() && (job.EndedAt == nil || job.EndedAt.Before(f.EndedAfter)) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

func (m *Memory) UpdateTrainingJob(ctx context.Context, id string, expectVersion int64, upd models.TrainingJobUpdate) (*models.TrainingJob, error) {
	const op = "repository.UpdateTrainingJob"
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.training[id]
	if !ok {
		return nil, apperr.NotFound(op, "training job", id)
	}
	if err := checkVersion(op, "training job", id, job.Version, expectVersion); err != nil {
		return nil, err
	}
	upd.Apply(job)
	job.Version++
	m.training[id] = job.Clone()
	return job.Clone(), nil
}

func (m *Memory) CreateEvaluation(ctx context.Context, e *models.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	m.evaluations[e.ID] = e.Clone()
	return nil
}

func (m *Memory) GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evaluations[id]
	if !ok {
		return nil, apperr.NotFound("repository.GetEvaluation", "evaluation", id)
	}
	return e.Clone(), nil
}

func (m *Memory) ListEvaluations(ctx context.Context, f EvaluationFilter) ([]*models.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Evaluation
	for _, e := range m.evaluations {
		if f.OwnerID != "" && e.OwnerID != f.OwnerID {
			continue
		}
		if len(f.IDs) > 0 && !contains(f.IDs, e.ID) {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, e.Status) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

func (m *Memory) UpdateEvaluation(ctx context.Context, id string, expectVersion int64, upd models.EvaluationUpdate) (*models.Evaluation, error) {
	const op = "repository.UpdateEvaluation"
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evaluations[id]
	if !ok {
		return nil, apperr.NotFound(op, "evaluation", id)
	}
	if err := checkVersion(op, "evaluation", id, e.Version, expectVersion); err != nil {
		return nil, err
	}
	upd.Apply(e)
	e.Version++
	m.evaluations[id] = e.Clone()
	return e.Clone(), nil
}

func (m *Memory) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Version == 0 {
		d.Version = 1
	}
	m.deployments[d.ID] = d.Clone()
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, apperr.NotFound("repository.GetDeployment", "deployment", id)
	}
	return d.Clone(), nil
}

func (m *Memory) ListDeployments(ctx context.Context, f DeploymentFilter) ([]*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Deployment
	for _, d := range m.deployments {
		if f.OwnerID != "" && d.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, d.Status) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, id string, expectVersion int64, upd models.DeploymentUpdate) (*models.Deployment, error) {
	const op = "repository.UpdateDeployment"
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, apperr.NotFound(op, "deployment", id)
	}
	if err := checkVersion(op, "deployment", id, d.Version, expectVersion); err != nil {
		return nil, err
	}
	upd.Apply(d)
	d.Version++
	m.deployments[id] = d.Clone()
	return d.Clone(), nil
}

func (m *Memory) DeleteDeployment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; !ok {
		return apperr.NotFound("repository.DeleteDeployment", "deployment", id)
	}
	delete(m.deployments, id)
	return nil
}

func (m *Memory) CreateAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	m.audit = append(m.audit, rec.Clone())
	return nil
}

func (m *Memory) ListAuditRecords(ctx context.Context, entityType models.Domain, entityID string, n int) ([]*models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditRecord
	for i := len(m.audit) - 1; i >= 0; i-- {
		rec := m.audit[i]
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec.Clone())
		}
	}
	return limit(out, n), nil
}

func (m *Memory) DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var n int64
	for _, rec := range m.audit {
		if rec.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.audit = kept
	return n, nil
}

func (m *Memory) CreateMetricSample(ctx context.Context, s *models.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	m.samples = append(m.samples, s.Clone())
	return nil
}

// MetricSamples returns recorded samples with the given name
func (m *Memory) MetricSamples(name string) []*models.MetricSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.MetricSample
	for _, s := range m.samples {
		if s.Name == name {
			out = append(out, s.Clone())
		}
	}
	return out
}

func (m *Memory) DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var n int64
	for _, s := range m.samples {
		if s.RecordedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return n, nil
}

func (m *Memory) CreateAlert(ctx context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	m.alerts = append(m.alerts, a.Clone())
	return nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if f.ActiveOnly && a.Acknowledged {
			continue
		}
		out = append(out, a.Clone())
	}
	return limit(out, f.Limit), nil
}

func (m *Memory) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID != id {
			continue
		}
		if !a.Acknowledged {
			a.Acknowledged = true
			a.AcknowledgedBy = by
			a.AcknowledgedAt = &at
		}
		return a.Clone(), nil
	}
	return nil, apperr.NotFound("repository.AcknowledgeAlert", "alert", id)
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func limit[T any](list []T, n int) []T {
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}
