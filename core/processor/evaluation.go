package processor

import (
	"context"
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/pipeline"
	"ml-orchestrator/core/service"
)

type EvaluationSubmitter interface {
	RunEvaluation(ctx context.Context, req pipeline.EvaluationRequest) (string, error)
}

type EvaluationProcessor struct {
	svc      *service.EvaluationService
	pipeline EvaluationSubmitter
	timeout  time.Duration
}

func NewEvaluationProcessor(svc *service.EvaluationService, p EvaluationSubmitter, timeout time.Duration) *EvaluationProcessor {
	return &EvaluationProcessor{svc: svc, pipeline: p, timeout: timeout}
}

func (p *EvaluationProcessor) Handle(ctx context.Context, item models.QueueItem) (err error) {
	ctx, span := startSpan(ctx, item)
	defer func() { endSpan(span, err) }()

	var payload models.EvaluationPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return err
	}
	e, err := p.svc.Get(ctx, item.JobID)
	if err != nil {
		return err
	}
	if e.Status.Terminal() || e.ExternalRef != "" {
		logger.Infof("evaluation %s needs no submission (%s), skipping queue item %s", e.ID, e.Status, item.ID)
		return nil
	}

	metrics := e.MetricNames
	if len(metrics) == 0 {
		metrics = payload.Metrics
	}

	if e, err = p.svc.MarkRunning(ctx, e.ID); err != nil {
		if apperr.IsConflict(err) {
			logger.Warnf("evaluation %s moved on before submission: %v", item.JobID, err)
			return nil
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ref, err := p.pipeline.RunEvaluation(callCtx, pipeline.EvaluationRequest{
		EvaluationID: e.ID,
		ModelID:      e.ModelID,
		DatasetID:    e.DatasetID,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}
	_, err = p.svc.MarkAccepted(ctx, e.ID, ref)
	return err
}

func (p *EvaluationProcessor) Exhausted(ctx context.Context, item models.QueueItem, cause error) {
	if _, err := p.svc.Fail(ctx, item.JobID, failureDetail(item, cause)); err != nil && !apperr.IsNotFound(err) {
		logger.Errorf("failed to mark evaluation %s failed: %v", item.JobID, err)
	}
}
