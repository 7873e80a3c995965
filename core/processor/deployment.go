package processor

import (
	"context"
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/pipeline"
	"ml-orchestrator/core/service"
	"ml-orchestrator/core/statemachine"
)

// DeploymentProcessor deploys models and carries out scale actions. A
// deployment that reaches active gets a health poller through the service.
type DeploymentProcessor struct {
	svc     *service.DeploymentService
	backend pipeline.DeploymentBackend
	timeout time.Duration
	now     func() time.Time
}

type DeploymentOption func(*DeploymentProcessor)

// WithClock sets the time source used to stamp scale actions
func WithClock(now func() time.Time) DeploymentOption {
	return func(p *DeploymentProcessor) { p.now = now }
}

func NewDeploymentProcessor(svc *service.DeploymentService, backend pipeline.DeploymentBackend, timeout time.Duration, opts ...DeploymentOption) *DeploymentProcessor {
	p := &DeploymentProcessor{svc: svc, backend: backend, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DeploymentProcessor) Handle(ctx context.Context, item models.QueueItem) (err error) {
	ctx, span := startSpan(ctx, item)
	defer func() { endSpan(span, err) }()

	var payload models.DeploymentPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return err
	}
	switch payload.Action {
	case models.ActionDeploy, "":
		return p.deploy(ctx, item, payload)
	case models.ActionScale:
		return p.scale(ctx, item, payload)
	default:
		return apperr.Validation("processor.Deployment", "unknown action %q", payload.Action)
	}
}

func (p *DeploymentProcessor) deploy(ctx context.Context, item models.QueueItem, payload models.DeploymentPayload) error {
	d, err := p.svc.Get(ctx, item.JobID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() || d.Status == models.DeploymentActive {
		logger.Infof("deployment %s is already %s, skipping queue item %s", d.ID, d.Status, item.ID)
		return nil
	}
	modelPath := d.ModelPath
	if modelPath == "" {
		modelPath = payload.ModelPath
	}
	if modelPath == "" {
		return apperr.Validation("processor.Deployment", "model %s of deployment %s has no storage artifact", d.ModelID, d.ID)
	}

	if d, err = p.svc.MarkDeploying(ctx, d.ID); err != nil {
		if apperr.IsConflict(err) {
			logger.Warnf("deployment %s moved on before submission: %v", item.JobID, err)
			return nil
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.backend.Deploy(callCtx, pipeline.DeployRequest{
		DeploymentID:  d.ID,
		ModelID:       d.ModelID,
		ModelPath:     modelPath,
		Environment:   d.Environment,
		ScalingConfig: d.ScalingConfig,
	})
	if err != nil {
		return err
	}
	_, err = p.svc.Activate(ctx, d.ID, statemachine.Endpoint{
		URL:         resp.Endpoint,
		APIKey:      resp.APIKey,
		ExternalRef: resp.ExternalDeploymentID,
	})
	return err
}

func (p *DeploymentProcessor) scale(ctx context.Context, item models.QueueItem, payload models.DeploymentPayload) error {
	d, err := p.svc.Get(ctx, item.JobID)
	if err != nil {
		return err
	}
	var cfg models.ScalingConfig
	if payload.ScalingConfig != nil {
		cfg = *payload.ScalingConfig
	}
	// validates status and bounds against the current record
	upd, err := statemachine.Scale(d, cfg, payload.MinSet, p.now())
	if err != nil {
		return err
	}
	ref := d.ExternalRef
	if ref == "" {
		ref = d.ID
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.backend.Scale(callCtx, pipeline.ScaleRequest{DeploymentID: ref, ScalingConfig: *upd.ScalingConfig}); err != nil {
		return err
	}
	_, err = p.svc.ApplyScale(ctx, d.ID, cfg, payload.MinSet, p.now())
	return err
}

// Exhausted fails a deployment whose deploy action gave up. A failed scale
// leaves the deployment serving at its previous size.
func (p *DeploymentProcessor) Exhausted(ctx context.Context, item models.QueueItem, cause error) {
	var payload models.DeploymentPayload
	if err := decodePayload(item.Payload, &payload); err == nil && payload.Action == models.ActionScale {
		logger.Errorf("scale of deployment %s abandoned after %d attempt(s): %v", item.JobID, item.Attempt, cause)
		return
	}
	if _, err := p.svc.Fail(ctx, item.JobID, failureDetail(item, cause)); err != nil && !apperr.IsNotFound(err) {
		logger.Errorf("failed to mark deployment %s failed: %v", item.JobID, err)
	}
}
