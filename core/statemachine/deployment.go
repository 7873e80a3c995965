package statemachine

import (
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

// Scaling is not a status: it keeps a deployment active and records ScaledAt.
var deploymentEdges = map[models.DeploymentStatus][]models.DeploymentStatus{
	models.DeploymentPending:   {models.DeploymentDeploying, models.DeploymentFailed, models.DeploymentInactive},
	models.DeploymentDeploying: {models.DeploymentActive, models.DeploymentFailed, models.DeploymentInactive},
	models.DeploymentActive:    {models.DeploymentUpdating, models.DeploymentFailed, models.DeploymentInactive},
	models.DeploymentUpdating:  {models.DeploymentActive, models.DeploymentFailed, models.DeploymentInactive},
}

func CanTransitionDeployment(from, to models.DeploymentStatus) bool {
	for _, s := range deploymentEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func deploymentMove(op string, d *models.Deployment, to models.DeploymentStatus) error {
	if !CanTransitionDeployment(d.Status, to) {
		return conflict(op, "deployment "+d.ID, string(d.Status), string(to))
	}
	return nil
}

// StartDeploying marks a pending deployment in flight before the backend call
func StartDeploying(d *models.Deployment, now time.Time) (models.DeploymentUpdate, error) {
	if d.Status == models.DeploymentDeploying {
		return models.DeploymentUpdate{}, ErrNoop
	}
	if err := deploymentMove("statemachine.StartDeploying", d, models.DeploymentDeploying); err != nil {
		return models.DeploymentUpdate{}, err
	}
	upd := models.DeploymentUpdate{Status: models.Ptr(models.DeploymentDeploying), UpdatedAt: now}
	if d.StartedAt == nil {
		upd.StartedAt = &now
	}
	return upd, nil
}

// Endpoint is what a backend returns once a model is serving
type Endpoint struct {
	URL         string
	APIKey      string
	ExternalRef string
}

// Activate moves a deploying or updating deployment to active
func Activate(d *models.Deployment, ep Endpoint, now time.Time) (models.DeploymentUpdate, error) {
	const op = "statemachine.Activate"
	ref, err := setRef(op, d.ExternalRef, ep.ExternalRef)
	if err != nil {
		return models.DeploymentUpdate{}, err
	}
	upd := models.DeploymentUpdate{ExternalRef: ref}
	if ep.URL != "" && ep.URL != d.Endpoint {
		upd.Endpoint = models.Ptr(ep.URL)
	}
	if ep.APIKey != "" && ep.APIKey != d.APIKey {
		upd.APIKey = models.Ptr(ep.APIKey)
	}

	if d.Status == models.DeploymentActive {
		if upd.ExternalRef == nil && upd.Endpoint == nil && upd.APIKey == nil {
			return models.DeploymentUpdate{}, ErrNoop
		}
		upd.UpdatedAt = now
		return upd, nil
	}
	if err := deploymentMove(op, d, models.DeploymentActive); err != nil {
		return models.DeploymentUpdate{}, err
	}
	upd.Status = models.Ptr(models.DeploymentActive)
	upd.UpdatedAt = now
	if d.DeployedAt == nil {
		upd.DeployedAt = &now
	}
	return upd, nil
}

// BeginUpdate moves an active deployment to updating
func BeginUpdate(d *models.Deployment, now time.Time) (models.DeploymentUpdate, error) {
	if d.Status == models.DeploymentUpdating {
		return models.DeploymentUpdate{}, ErrNoop
	}
	if err := deploymentMove("statemachine.BeginUpdate", d, models.DeploymentUpdating); err != nil {
		return models.DeploymentUpdate{}, err
	}
	return models.DeploymentUpdate{Status: models.Ptr(models.DeploymentUpdating), UpdatedAt: now}, nil
}

// Scale records a scaling event on an active deployment. Zero fields of cfg
// keep the current values, except MinInstances which may legitimately be 0
// when minSet is true.
func Scale(d *models.Deployment, cfg models.ScalingConfig, minSet bool, now time.Time) (models.DeploymentUpdate, error) {
	const op = "statemachine.Scale"
	if d.Status != models.DeploymentActive {
		return models.DeploymentUpdate{}, apperr.Conflict(op, "deployment %s is %s; only active deployments scale", d.ID, d.Status)
	}
	merged := MergeScaling(d.ScalingConfig, cfg, minSet)
	if merged.MaxInstances < merged.MinInstances {
		return models.DeploymentUpdate{}, apperr.Validation(op, "maxInstances %d below minInstances %d", merged.MaxInstances, merged.MinInstances)
	}
	return models.DeploymentUpdate{ScalingConfig: &merged, ScaledAt: &now, UpdatedAt: now}, nil
}

// MergeScaling overlays the set fields of next onto current
func MergeScaling(current, next models.ScalingConfig, minSet bool) models.ScalingConfig {
	merged := current
	if minSet || next.MinInstances != 0 {
		merged.MinInstances = next.MinInstances
	}
	if next.MaxInstances != 0 {
		merged.MaxInstances = next.MaxInstances
	}
	if next.TargetUtilization != 0 {
		merged.TargetUtilization = next.TargetUtilization
	}
	return merged
}

func FailDeployment(d *models.Deployment, detail models.ErrorDetail, now time.Time) (models.DeploymentUpdate, error) {
	const op = "statemachine.FailDeployment"
	if d.Status == models.DeploymentFailed {
		if d.ErrorDetail != nil && samePayload(*d.ErrorDetail, detail) {
			return models.DeploymentUpdate{}, ErrNoop
		}
		return models.DeploymentUpdate{}, apperr.Conflict(op, "deployment %s already failed", d.ID)
	}
	if err := deploymentMove(op, d, models.DeploymentFailed); err != nil {
		return models.DeploymentUpdate{}, err
	}
	return models.DeploymentUpdate{
		Status:      models.Ptr(models.DeploymentFailed),
		ErrorDetail: &detail,
		EndedAt:     endedAt(d.EndedAt, now),
		UpdatedAt:   now,
	}, nil
}

// Deactivate takes a deployment out of service. An active deployment must be
// drained first.
func Deactivate(d *models.Deployment, now time.Time) (models.DeploymentUpdate, error) {
	const op = "statemachine.Deactivate"
	if d.Status == models.DeploymentInactive {
		return models.DeploymentUpdate{}, ErrNoop
	}
	if d.Status == models.DeploymentActive && !d.Drained() {
		return models.DeploymentUpdate{}, apperr.Conflict(op, "deployment %s is still serving traffic; scale it down first", d.ID)
	}
	if err := deploymentMove(op, d, models.DeploymentInactive); err != nil {
		return models.DeploymentUpdate{}, err
	}
	return models.DeploymentUpdate{
		Status:    models.Ptr(models.DeploymentInactive),
		EndedAt:   endedAt(d.EndedAt, now),
		UpdatedAt: now,
	}, nil
}

// CanDelete allows deletion of failed or inactive deployments only
func CanDelete(d *models.Deployment) error {
	if d.Status.Terminal() {
		return nil
	}
	return apperr.Conflict("statemachine.CanDelete", "deployment %s is %s; only failed or inactive deployments can be deleted", d.ID, d.Status)
}

// ObserveHealth records a health probe. Health is informational and never
// changes the lifecycle status. changed reports a new health value.
// UnhealthySince marks the start of an impaired run and survives flips
// between unhealthy and degraded; it clears once health recovers.
func ObserveHealth(d *models.Deployment, h models.HealthStatus, now time.Time) (upd models.DeploymentUpdate, changed bool) {
	upd = models.DeploymentUpdate{LastHealthCheckAt: &now}
	if h != d.HealthStatus {
		upd.HealthStatus = models.Ptr(h)
		upd.HealthChangedAt = &now
		changed = true
	}
	switch {
	case h.Impaired() && d.UnhealthySince == nil:
		since := now
		// records written before UnhealthySince existed
		if d.HealthStatus.Impaired() && d.HealthChangedAt != nil {
			since = *d.HealthChangedAt
		}
		upd.UnhealthySince = &since
	case !h.Impaired() && d.UnhealthySince != nil:
		upd.ClearUnhealthySince = true
	}
	return upd, changed
}

// StatusReport is an updateDeploymentStatus callback from the pipeline
type StatusReport struct {
	Status       string
	Endpoint     string
	APIKey       string
	Metrics      models.Metrics
	HealthStatus models.HealthStatus
	Traffic      *models.TrafficCounters
	Scaling      *models.ScalingConfig
	Error        *models.ErrorDetail
}

// ApplyReport folds a pipeline status report into a single update. A
// "scaled" status is treated as a scaling event on an active deployment.
// The returned flags tell the caller which events to emit.
func ApplyReport(d *models.Deployment, r StatusReport, now time.Time) (upd models.DeploymentUpdate, scaled, healthChanged bool, err error) {
	const op = "statemachine.ApplyReport"
	snapshot := *d

	switch r.Status {
	case "", string(d.Status):
		if r.Status == string(models.DeploymentActive) && (r.Endpoint != "" || r.APIKey != "") {
			if upd, err = Activate(&snapshot, Endpoint{URL: r.Endpoint, APIKey: r.APIKey}, now); err != nil && err != ErrNoop {
				return upd, false, false, err
			}
		}
	case "scaled":
		cfg := models.ScalingConfig{}
		if r.Scaling != nil {
			cfg = *r.Scaling
		}
		if upd, err = Scale(&snapshot, cfg, r.Scaling != nil, now); err != nil {
			return upd, false, false, err
		}
		scaled = true
	case string(models.DeploymentDeploying):
		upd, err = StartDeploying(&snapshot, now)
	case string(models.DeploymentActive):
		upd, err = Activate(&snapshot, Endpoint{URL: r.Endpoint, APIKey: r.APIKey}, now)
	case string(models.DeploymentUpdating):
		upd, err = BeginUpdate(&snapshot, now)
	case string(models.DeploymentFailed):
		detail := models.ErrorDetail{Message: "deployment reported failed"}
		if r.Error != nil {
			detail = *r.Error
		}
		upd, err = FailDeployment(&snapshot, detail, now)
	case string(models.DeploymentInactive):
		upd, err = Deactivate(&snapshot, now)
	default:
		return upd, false, false, apperr.Validation(op, "unknown deployment status %q", r.Status)
	}
	if err != nil && err != ErrNoop {
		return models.DeploymentUpdate{}, false, false, err
	}

	if r.Metrics != nil {
		upd.Metrics = r.Metrics
	}
	if r.Traffic != nil {
		upd.Traffic = r.Traffic
	}
	if r.HealthStatus != "" {
		var h models.DeploymentUpdate
		h, healthChanged = ObserveHealth(d, r.HealthStatus, now)
		upd.LastHealthCheckAt = h.LastHealthCheckAt
		upd.HealthStatus = h.HealthStatus
		upd.HealthChangedAt = h.HealthChangedAt
		upd.UnhealthySince = h.UnhealthySince
		upd.ClearUnhealthySince = h.ClearUnhealthySince
	}
	if upd.Metrics == nil && upd.Traffic == nil && upd.Status == nil && upd.LastHealthCheckAt == nil &&
		upd.Endpoint == nil && upd.APIKey == nil && upd.ScalingConfig == nil {
		return models.DeploymentUpdate{}, false, false, ErrNoop
	}
	upd.UpdatedAt = now
	return upd, scaled, healthChanged, nil
}
