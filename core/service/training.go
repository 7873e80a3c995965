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

// TrainingCanceller asks the pipeline to stop a job
type TrainingCanceller interface {
	CancelTraining(ctx context.Context, externalRef string) error
}

// CreateTrainingRequest is already validated by the caller, except for the
// hyperparameters which must be present.
type CreateTrainingRequest struct {
	OwnerID         string                 `json:"-"`
	ModelID         string                 `json:"modelId"`
	Name            string                 `json:"name"`
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	Epochs          int                    `json:"epochs"`
	BatchSize       int                    `json:"batchSize"`
	DatasetInfo     map[string]interface{} `json:"datasetInfo"`
}

type TrainingService struct {
	store    repository.TrainingJobStore
	queue    Enqueuer
	bus      *events.Bus
	pipeline TrainingCanceller
	now      func() time.Time

	cancelTimeout time.Duration
}

func NewTrainingService(store repository.TrainingJobStore, queue Enqueuer, bus *events.Bus, pipeline TrainingCanceller, opts ...Option) *TrainingService {
	o := buildOptions(opts)
	return &TrainingService{store: store, queue: queue, bus: bus, pipeline: pipeline, now: o.now, cancelTimeout: o.cancelTimeout}
}

// Create records a pending job, enqueues it and emits training.started
func (s *TrainingService) Create(ctx context.Context, req CreateTrainingRequest) (*models.TrainingJob, error) {
	const op = "service.CreateTraining"
	if len(req.Hyperparameters) == 0 {
		return nil, apperr.Validation(op, "hyperparameters are required")
	}
	if req.ModelID == "" {
		return nil, apperr.Validation(op, "modelId is required")
	}
	now := s.now()
	job := &models.TrainingJob{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		ModelID:         req.ModelID,
		Name:            req.Name,
		Status:          models.TrainingPending,
		Hyperparameters: req.Hyperparameters,
		Epochs:          req.Epochs,
		BatchSize:       req.BatchSize,
		DatasetInfo:     req.DatasetInfo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTrainingJob(ctx, job); err != nil {
		return nil, err
	}

	payload, err := toPayload(models.TrainingPayload{
		ModelID:         job.ModelID,
		Hyperparameters: job.Hyperparameters,
		Epochs:          job.Epochs,
		BatchSize:       job.BatchSize,
		DatasetInfo:     job.DatasetInfo,
	})
	if err == nil {
		_, err = s.queue.Enqueue(ctx, models.DomainTraining, job.ID, job.OwnerID, payload)
	}
	if err != nil {
		logger.Errorf("failed to enqueue training job %s: %v", job.ID, err)
		if _, ferr := s.Fail(context.WithoutCancel(ctx), job.ID, models.ErrorDetail{Message: "failed to enqueue job", Code: "ENQUEUE_FAILED"}); ferr != nil {
			logger.Errorf("failed to mark training job %s failed: %v", job.ID, ferr)
		}
		return nil, err
	}

	logger.Infof("training job %s created for model %s", job.ID, job.ModelID)
	s.emit(ctx, events.TrainingStarted, job, "")
	return job, nil
}

func (s *TrainingService) Get(ctx context.Context, id string) (*models.TrainingJob, error) {
	return s.store.GetTrainingJob(ctx, id)
}

func (s *TrainingService) List(ctx context.Context, f repository.TrainingJobFilter) ([]*models.TrainingJob, error) {
	return s.store.ListTrainingJobs(ctx, f)
}

func (s *TrainingService) update(ctx context.Context, id string, fn func(*models.TrainingJob) (models.TrainingJobUpdate, error)) (*models.TrainingJob, *models.TrainingJob, error) {
	return mutate(ctx, id, s.store.GetTrainingJob,
		func(j *models.TrainingJob) int64 { return j.Version },
		s.store.UpdateTrainingJob, fn)
}

// MarkPreprocessing moves a pending job in flight ahead of the pipeline call
func (s *TrainingService) MarkPreprocessing(ctx context.Context, id string) (*models.TrainingJob, error) {
	_, after, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		return statemachine.StartPreprocessing(j, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	return after, err
}

// MarkAccepted stores the pipeline's job id and moves the job to training
func (s *TrainingService) MarkAccepted(ctx context.Context, id, externalRef string) (*models.TrainingJob, error) {
	_, after, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		return statemachine.AcceptTraining(j, externalRef, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	if err != nil {
		return after, err
	}
	logger.Infof("training job %s accepted by pipeline as %s", id, externalRef)
	s.emit(ctx, events.TrainingProgress, after, "accepted by pipeline")
	return after, nil
}

// UpdateProgress is the pipeline's progress callback. Updates for finished
// jobs are logged and dropped.
func (s *TrainingService) UpdateProgress(ctx context.Context, id string, report statemachine.ProgressReport) (*models.TrainingJob, error) {
	_, after, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		return statemachine.ApplyProgress(j, report, s.now())
	})
	if err != nil {
		return after, dropCallbackError("service.UpdateTrainingProgress", id, err)
	}
	s.emit(ctx, events.TrainingProgress, after, report.Message)
	return after, nil
}

// Complete is the pipeline's completion callback. Redelivery is a no-op.
func (s *TrainingService) Complete(ctx context.Context, id string, metrics models.Metrics) (*models.TrainingJob, error) {
	_, after, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		return statemachine.CompleteTraining(j, metrics, s.now())
	})
	if err != nil {
		return after, dropCallbackError("service.CompleteTrainingJob", id, err)
	}
	logger.Infof("training job %s completed", id)
	s.emit(ctx, events.TrainingCompleted, after, "")
	return after, nil
}

// Fail moves the job to failed. It serves both the pipeline's failure
// callback and the processor's exhausted-retries path.
func (s *TrainingService) Fail(ctx context.Context, id string, detail models.ErrorDetail) (*models.TrainingJob, error) {
	_, after, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		return statemachine.FailTraining(j, detail, s.now())
	})
	if err != nil {
		return after, dropCallbackError("service.FailTrainingJob", id, err)
	}
	logger.Warnf("training job %s failed: %s", id, detail.Message)
	s.emit(ctx, events.TrainingFailed, after, detail.Message)
	return after, nil
}

// Cancel stops a job on behalf of a user or the stuck-job sweep. The pipeline
// is asked to cancel on a best-effort basis; the local status moves to
// cancelled regardless.
func (s *TrainingService) Cancel(ctx context.Context, id string) (*models.TrainingJob, error) {
	job, err := s.store.GetTrainingJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statemachine.CanTransitionTraining(job.Status, models.TrainingCancelled) && job.Status != models.TrainingCancelled {
		return job, apperr.Conflict("service.CancelTraining", "training job %s is %s and cannot be cancelled", id, job.Status)
	}
	if job.ExternalRef != "" && s.pipeline != nil && job.Status != models.TrainingCancelled {
		s.cancelExternal(ctx, id, job.ExternalRef)
	}

	_, after, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		return statemachine.CancelTraining(j, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	if err != nil {
		return after, err
	}
	logger.Infof("training job %s cancelled", id)
	s.emit(ctx, events.TrainingCancelled, after, "")
	return after, nil
}

// cancelExternal never outlives cancelTimeout, whatever the pipeline does
func (s *TrainingService) cancelExternal(ctx context.Context, id, ref string) {
	cctx, cancel := context.WithTimeout(ctx, s.cancelTimeout)
	defer cancel()
	if err := s.pipeline.CancelTraining(cctx, ref); err != nil {
		logger.Warnf("pipeline cancel for training job %s (%s) failed: %v", id, ref, err)
	}
}

// RecordCost stores the accrued cost of a job
func (s *TrainingService) RecordCost(ctx context.Context, id string, cost float64) error {
	_, _, err := s.update(ctx, id, func(j *models.TrainingJob) (models.TrainingJobUpdate, error) {
		if j.Cost == cost {
			return models.TrainingJobUpdate{}, statemachine.ErrNoop
		}
		return models.TrainingJobUpdate{Cost: models.Ptr(cost)}, nil
	})
	if isNoop(err) {
		return nil
	}
	return err
}

func (s *TrainingService) emit(ctx context.Context, name events.Name, job *models.TrainingJob, msg string) {
	if s.bus == nil || job == nil {
		return
	}
	s.bus.Emit(ctx, events.Event{Name: name, OwnerID: job.OwnerID, Payload: events.TrainingEvent{Job: *job, Message: msg}})
}
