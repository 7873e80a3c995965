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

// TrainingSubmitter starts training runs on the pipeline
type TrainingSubmitter interface {
	StartTraining(ctx context.Context, req pipeline.TrainingRequest) (string, error)
}

type TrainingProcessor struct {
	svc      *service.TrainingService
	pipeline TrainingSubmitter
	timeout  time.Duration
}

func NewTrainingProcessor(svc *service.TrainingService, p TrainingSubmitter, timeout time.Duration) *TrainingProcessor {
	return &TrainingProcessor{svc: svc, pipeline: p, timeout: timeout}
}

func (p *TrainingProcessor) Handle(ctx context.Context, item models.QueueItem) (err error) {
	ctx, span := startSpan(ctx, item)
	defer func() { endSpan(span, err) }()

	var payload models.TrainingPayload
	if err := decodePayload(item.Payload, &payload); err != nil {
		return err
	}
	job, err := p.svc.Get(ctx, item.JobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		logger.Infof("training job %s is already %s, skipping queue item %s", job.ID, job.Status, item.ID)
		return nil
	}
	if job.ExternalRef != "" {
		logger.Infof("training job %s already accepted as %s", job.ID, job.ExternalRef)
		return nil
	}

	hyper := job.Hyperparameters
	if len(hyper) == 0 {
		hyper = payload.Hyperparameters
	}
	if len(hyper) == 0 {
		return apperr.Validation("processor.Training", "training job %s has no hyperparameters", job.ID)
	}

	if job, err = p.svc.MarkPreprocessing(ctx, job.ID); err != nil {
		if apperr.IsConflict(err) {
			logger.Warnf("training job %s moved on before submission: %v", item.JobID, err)
			return nil
		}
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ref, err := p.pipeline.StartTraining(callCtx, pipeline.TrainingRequest{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		ModelID:         job.ModelID,
		Hyperparameters: hyper,
		Epochs:          job.Epochs,
		BatchSize:       job.BatchSize,
		DatasetInfo:     job.DatasetInfo,
	})
	if err != nil {
		return err
	}
	_, err = p.svc.MarkAccepted(ctx, job.ID, ref)
	return err
}

// Exhausted fails the job once the queue gives up on it
func (p *TrainingProcessor) Exhausted(ctx context.Context, item models.QueueItem, cause error) {
	if _, err := p.svc.Fail(ctx, item.JobID, failureDetail(item, cause)); err != nil && !apperr.IsNotFound(err) {
		logger.Errorf("failed to mark training job %s failed: %v", item.JobID, err)
	}
}
