package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/events"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/statemachine"
)

// Tearer releases backend resources of a deleted deployment
type Tearer interface {
	Teardown(ctx context.Context, externalRef string) error
}

type CreateDeploymentRequest struct {
	OwnerID       string                `json:"-"`
	ModelID       string                `json:"modelId"`
	ModelPath     string                `json:"modelPath"`
	Name          string                `json:"name"`
	Environment   string                `json:"environment"`
	ScalingConfig *models.ScalingConfig `json:"scalingConfig"`
}

// ScaleRequest changes the scaling bounds of an active deployment. Nil
// fields keep their current value.
type ScaleRequest struct {
	MinInstances      *int `json:"minInstances"`
	MaxInstances      *int `json:"maxInstances"`
	TargetUtilization *int `json:"targetUtilization"`
}

func (r ScaleRequest) config() (models.ScalingConfig, bool) {
	var cfg models.ScalingConfig
	if r.MinInstances != nil {
		cfg.MinInstances = *r.MinInstances
	}
	if r.MaxInstances != nil {
		cfg.MaxInstances = *r.MaxInstances
	}
	if r.TargetUtilization != nil {
		cfg.TargetUtilization = *r.TargetUtilization
	}
	return cfg, r.MinInstances != nil
}

type DeploymentService struct {
	store   repository.DeploymentStore
	queue   Enqueuer
	bus     *events.Bus
	backend Tearer
	watcher HealthWatcher
	now     func() time.Time
}

func NewDeploymentService(store repository.DeploymentStore, queue Enqueuer, bus *events.Bus, backend Tearer, opts ...Option) *DeploymentService {
	o := buildOptions(opts)
	return &DeploymentService{store: store, queue: queue, bus: bus, backend: backend, now: o.now}
}

// SetHealthWatcher wires the health monitor. The monitor itself reports
// through the service, so it is attached after construction.
func (s *DeploymentService) SetHealthWatcher(w HealthWatcher) {
	s.watcher = w
}

// Create records a pending deployment, enqueues the deploy action and emits
// deployment.started. The model must have a storage artifact.
func (s *DeploymentService) Create(ctx context.Context, req CreateDeploymentRequest) (*models.Deployment, error) {
	const op = "service.CreateDeployment"
	if req.ModelID == "" {
		return nil, apperr.Validation(op, "modelId is required")
	}
	if req.ModelPath == "" {
		return nil, apperr.Validation(op, "model %s has no storage artifact", req.ModelID)
	}
	scaling := models.DefaultScalingConfig()
	if req.ScalingConfig != nil {
		scaling = statemachine.MergeScaling(scaling, *req.ScalingConfig, true)
	}
	if scaling.MaxInstances < scaling.MinInstances {
		return nil, apperr.Validation(op, "maxInstances %d below minInstances %d", scaling.MaxInstances, scaling.MinInstances)
	}
	env := req.Environment
	if env == "" {
		env = "staging"
	}

	now := s.now()
	d := &models.Deployment{
		ID:            uuid.NewString(),
		OwnerID:       req.OwnerID,
		ModelID:       req.ModelID,
		ModelPath:     req.ModelPath,
		Name:          req.Name,
		Environment:   env,
		Status:        models.DeploymentPending,
		HealthStatus:  models.HealthUnknown,
		ScalingConfig: scaling,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}

	payload, err := toPayload(models.DeploymentPayload{
		Action:        models.ActionDeploy,
		ModelID:       d.ModelID,
		ModelPath:     d.ModelPath,
		Environment:   d.Environment,
		ScalingConfig: &scaling,
	})
	if err == nil {
		_, err = s.queue.Enqueue(ctx, models.DomainDeployment, d.ID, d.OwnerID, payload)
	}
	if err != nil {
		logger.Errorf("failed to enqueue deployment %s: %v", d.ID, err)
		if _, ferr := s.Fail(context.WithoutCancel(ctx), d.ID, models.ErrorDetail{Message: "failed to enqueue deployment", Code: "ENQUEUE_FAILED"}); ferr != nil {
			logger.Errorf("failed to mark deployment %s failed: %v", d.ID, ferr)
		}
		return nil, err
	}

	logger.Infof("deployment %s created for model %s (%s)", d.ID, d.ModelID, d.Environment)
	s.emit(ctx, events.DeploymentStarted, d, "")
	return d, nil
}

func (s *DeploymentService) Get(ctx context.Context, id string) (*models.Deployment, error) {
	return s.store.GetDeployment(ctx, id)
}

func (s *DeploymentService) List(ctx context.Context, f repository.DeploymentFilter) ([]*models.Deployment, error) {
	return s.store.ListDeployments(ctx, f)
}

func (s *DeploymentService) update(ctx context.Context, id string, fn func(*models.Deployment) (models.DeploymentUpdate, error)) (*models.Deployment, *models.Deployment, error) {
	return mutate(ctx, id, s.store.GetDeployment,
		func(d *models.Deployment) int64 { return d.Version },
		s.store.UpdateDeployment, fn)
}

// MarkDeploying moves a pending deployment in flight ahead of the backend call
func (s *DeploymentService) MarkDeploying(ctx context.Context, id string) (*models.Deployment, error) {
	before, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		return statemachine.StartDeploying(d, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	if err != nil {
		return after, err
	}
	s.transitioned(ctx, before, after)
	return after, nil
}

// Activate records the endpoint returned by the backend and moves the
// deployment to active. Health polling starts here.
func (s *DeploymentService) Activate(ctx context.Context, id string, ep statemachine.Endpoint) (*models.Deployment, error) {
	before, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		return statemachine.Activate(d, ep, s.now())
	})
	if isNoop(err) {
		if s.watcher != nil && after.Status == models.DeploymentActive {
			s.watcher.Watch(*after)
		}
		return after, nil
	}
	if err != nil {
		return after, err
	}
	logger.Infof("deployment %s active at %s", id, after.Endpoint)
	s.transitioned(ctx, before, after)
	return after, nil
}

// UpdateStatus is the pipeline's status callback
func (s *DeploymentService) UpdateStatus(ctx context.Context, id string, report statemachine.StatusReport) (*models.Deployment, error) {
	var scaled, healthChanged bool
	before, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		var upd models.DeploymentUpdate
		var err error
		upd, scaled, healthChanged, err = statemachine.ApplyReport(d, report, s.now())
		return upd, err
	})
	if err != nil {
		return after, dropCallbackError("service.UpdateDeploymentStatus", id, err)
	}
	s.transitioned(ctx, before, after)
	if scaled {
		s.emit(ctx, events.DeploymentScaled, after, "")
	}
	if healthChanged {
		s.emit(ctx, events.DeploymentHealthChanged, after, before.HealthStatus)
	}
	return after, nil
}

// RecordHealth stores a health probe result. Health never changes the
// lifecycle status; a changed value emits deployment.health_changed.
func (s *DeploymentService) RecordHealth(ctx context.Context, id string, h models.HealthStatus) (*models.Deployment, error) {
	var changed bool
	before, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		var upd models.DeploymentUpdate
		upd, changed = statemachine.ObserveHealth(d, h, s.now())
		return upd, nil
	})
	if err != nil {
		return after, err
	}
	if changed {
		logger.Infof("deployment %s health %s -> %s", id, before.HealthStatus, after.HealthStatus)
		s.emit(ctx, events.DeploymentHealthChanged, after, before.HealthStatus)
	}
	return after, nil
}

// Scale validates the request against the current record and enqueues a
// scale action so it serialises with other work for the deployment.
func (s *DeploymentService) Scale(ctx context.Context, id string, req ScaleRequest) (*models.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, minSet := req.config()
	if _, err := statemachine.Scale(d, cfg, minSet, s.now()); err != nil {
		return d, err
	}
	payload, err := toPayload(models.DeploymentPayload{Action: models.ActionScale, ScalingConfig: &cfg, MinSet: minSet})
	if err != nil {
		return d, err
	}
	if _, err := s.queue.Enqueue(ctx, models.DomainDeployment, d.ID, d.OwnerID, payload); err != nil {
		return d, err
	}
	logger.Infof("scale of deployment %s enqueued", id)
	return d, nil
}

// ApplyScale records a scaling change the backend carried out at scaledAt
func (s *DeploymentService) ApplyScale(ctx context.Context, id string, cfg models.ScalingConfig, minSet bool, scaledAt time.Time) (*models.Deployment, error) {
	_, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		return statemachine.Scale(d, cfg, minSet, scaledAt)
	})
	if err != nil {
		return after, err
	}
	logger.Infof("deployment %s scaled to %d-%d instances", id, after.ScalingConfig.MinInstances, after.ScalingConfig.MaxInstances)
	s.emit(ctx, events.DeploymentScaled, after, "")
	return after, nil
}

// Fail moves the deployment to failed. Used by the processor's
// exhausted-retries path.
func (s *DeploymentService) Fail(ctx context.Context, id string, detail models.ErrorDetail) (*models.Deployment, error) {
	before, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		return statemachine.FailDeployment(d, detail, s.now())
	})
	if err != nil {
		return after, dropCallbackError("service.FailDeployment", id, err)
	}
	logger.Warnf("deployment %s failed: %s", id, detail.Message)
	s.transitioned(ctx, before, after)
	return after, nil
}

// Deactivate takes a deployment out of service. Active deployments must be
// scaled down first.
func (s *DeploymentService) Deactivate(ctx context.Context, id string) (*models.Deployment, error) {
	before, after, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		return statemachine.Deactivate(d, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	if err != nil {
		return after, err
	}
	s.transitioned(ctx, before, after)
	return after, nil
}

// Delete removes a failed or inactive deployment and releases its backend
// resources on a best-effort basis.
func (s *DeploymentService) Delete(ctx context.Context, id string) error {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if err := statemachine.CanDelete(d); err != nil {
		return err
	}
	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}
	if d.ExternalRef != "" && s.backend != nil {
		if err := s.backend.Teardown(ctx, d.ExternalRef); err != nil {
			logger.Warnf("teardown of deployment %s (%s) failed: %v", id, d.ExternalRef, err)
		}
	}
	if err := s.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	logger.Infof("deployment %s deleted", id)
	s.emit(ctx, events.DeploymentDeleted, d, "")
	return nil
}

// RecordCost stores the accrued cost of a deployment
func (s *DeploymentService) RecordCost(ctx context.Context, id string, cost float64) error {
	_, _, err := s.update(ctx, id, func(d *models.Deployment) (models.DeploymentUpdate, error) {
		if d.Cost == cost {
			return models.DeploymentUpdate{}, statemachine.ErrNoop
		}
		return models.DeploymentUpdate{Cost: models.Ptr(cost)}, nil
	})
	if isNoop(err) {
		return nil
	}
	return err
}

// transitioned emits the lifecycle event for a status change and keeps the
// health watch in step with the active status.
func (s *DeploymentService) transitioned(ctx context.Context, before, after *models.Deployment) {
	s.syncWatch(before, after)
	if before.Status == after.Status {
		if after.Status == models.DeploymentActive && (before.Endpoint != after.Endpoint || before.APIKey != after.APIKey) {
			s.emit(ctx, events.DeploymentUpdated, after, "")
		}
		return
	}
	switch after.Status {
	case models.DeploymentActive:
		s.emit(ctx, events.DeploymentActive, after, "")
	case models.DeploymentUpdating, models.DeploymentDeploying:
		s.emit(ctx, events.DeploymentUpdated, after, "")
	case models.DeploymentFailed:
		s.emit(ctx, events.DeploymentFailed, after, "")
	case models.DeploymentInactive:
		s.emit(ctx, events.DeploymentInactive, after, "")
	}
}

func (s *DeploymentService) syncWatch(before, after *models.Deployment) {
	if s.watcher == nil || after == nil {
		return
	}
	switch {
	case after.Status == models.DeploymentActive && (before == nil || before.Status != models.DeploymentActive):
		s.watcher.Watch(*after)
	case after.Status == models.DeploymentActive && after.Endpoint != before.Endpoint:
		s.watcher.Watch(*after)
	case after.Status != models.DeploymentActive:
		s.watcher.Unwatch(after.ID)
	}
}

func (s *DeploymentService) emit(ctx context.Context, name events.Name, d *models.Deployment, previous models.HealthStatus) {
	if s.bus == nil || d == nil {
		return
	}
	s.bus.Emit(ctx, events.Event{Name: name, OwnerID: d.OwnerID, Payload: events.DeploymentEvent{Deployment: *d, PreviousHealth: previous}})
}
