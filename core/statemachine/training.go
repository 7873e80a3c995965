package statemachine

import (
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

var trainingEdges = map[models.TrainingStatus][]models.TrainingStatus{
	models.TrainingPending:       {models.TrainingPreprocessing, models.TrainingFailed, models.TrainingCancelled},
	models.TrainingPreprocessing: {models.TrainingTraining, models.TrainingFailed, models.TrainingCancelled},
	models.TrainingTraining:      {models.TrainingValidating, models.TrainingCompleted, models.TrainingFailed, models.TrainingCancelled},
	models.TrainingValidating:    {models.TrainingCompleted, models.TrainingFailed},
}

// CanTransitionTraining reports whether from -> to is an edge of the training lifecycle
func CanTransitionTraining(from, to models.TrainingStatus) bool {
	for _, s := range trainingEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func trainingMove(op string, job *models.TrainingJob, to models.TrainingStatus) error {
	if !CanTransitionTraining(job.Status, to) {
		return conflict(op, "training job "+job.ID, string(job.Status), string(to))
	}
	return nil
}

// StartPreprocessing marks a pending job in flight before the pipeline is called
func StartPreprocessing(job *models.TrainingJob, now time.Time) (models.TrainingJobUpdate, error) {
	if job.Status == models.TrainingPreprocessing {
		return models.TrainingJobUpdate{}, ErrNoop
	}
	if err := trainingMove("statemachine.StartPreprocessing", job, models.TrainingPreprocessing); err != nil {
		return models.TrainingJobUpdate{}, err
	}
	upd := models.TrainingJobUpdate{
		Status:    models.Ptr(models.TrainingPreprocessing),
		UpdatedAt: now,
	}
	if job.StartedAt == nil {
		upd.StartedAt = &now
	}
	return upd, nil
}

// AcceptTraining records the pipeline's external id and moves the job to training
func AcceptTraining(job *models.TrainingJob, externalRef string, now time.Time) (models.TrainingJobUpdate, error) {
	const op = "statemachine.AcceptTraining"
	ref, err := setRef(op, job.ExternalRef, externalRef)
	if err != nil {
		return models.TrainingJobUpdate{}, err
	}
	if job.Status == models.TrainingTraining {
		if ref == nil {
			return models.TrainingJobUpdate{}, ErrNoop
		}
		return models.TrainingJobUpdate{ExternalRef: ref, UpdatedAt: now}, nil
	}
	if err := trainingMove(op, job, models.TrainingTraining); err != nil {
		return models.TrainingJobUpdate{}, err
	}
	return models.TrainingJobUpdate{
		Status:      models.Ptr(models.TrainingTraining),
		ExternalRef: ref,
		UpdatedAt:   now,
	}, nil
}

// ProgressReport is a progress callback from the pipeline. Status optionally
// advances a non-terminal stage, e.g. training -> validating.
type ProgressReport struct {
	Progress float64
	Message  string
	Status   models.TrainingStatus
}

// ApplyProgress accepts progress only while the job is non-terminal. A
// regression of the percentage is ignored; the message is still logged.
func ApplyProgress(job *models.TrainingJob, r ProgressReport, now time.Time) (models.TrainingJobUpdate, error) {
	const op = "statemachine.ApplyProgress"
	if r.Progress < 0 || r.Progress > 100 {
		return models.TrainingJobUpdate{}, apperr.Validation(op, "progress %.2f outside 0..100", r.Progress)
	}
	if job.Status.Terminal() {
		return models.TrainingJobUpdate{}, apperr.Conflict(op, "training job %s is %s; progress ignored", job.ID, job.Status)
	}

	upd := models.TrainingJobUpdate{}
	if r.Progress > job.Progress {
		upd.Progress = models.Ptr(r.Progress)
	}
	if r.Status != "" && r.Status != job.Status {
		if r.Status.Terminal() {
			return models.TrainingJobUpdate{}, apperr.Conflict(op, "progress cannot set terminal status %s", r.Status)
		}
		if err := trainingMove(op, job, r.Status); err != nil {
			return models.TrainingJobUpdate{}, err
		}
		upd.Status = models.Ptr(r.Status)
	}
	if r.Message != "" {
		upd.AppendLog = "\n[" + now.UTC().Format(time.RFC3339) + "] " + r.Message
	}
	if upd.Progress == nil && upd.Status == nil && upd.AppendLog == "" {
		return models.TrainingJobUpdate{}, ErrNoop
	}
	upd.UpdatedAt = now
	return upd, nil
}

// CompleteTraining moves the job to completed. Metrics are required.
func CompleteTraining(job *models.TrainingJob, metrics models.Metrics, now time.Time) (models.TrainingJobUpdate, error) {
	const op = "statemachine.CompleteTraining"
	if len(metrics) == 0 {
		return models.TrainingJobUpdate{}, apperr.Validation(op, "completion of training job %s requires metrics", job.ID)
	}
	if job.Status == models.TrainingCompleted {
		if samePayload(job.ResultMetrics, metrics) {
			return models.TrainingJobUpdate{}, ErrNoop
		}
		return models.TrainingJobUpdate{}, apperr.Conflict(op, "training job %s already completed with different metrics", job.ID)
	}
	if err := trainingMove(op, job, models.TrainingCompleted); err != nil {
		return models.TrainingJobUpdate{}, err
	}

	upd := models.TrainingJobUpdate{
		Status:        models.Ptr(models.TrainingCompleted),
		Progress:      models.Ptr(100.0),
		ResultMetrics: metrics,
		EndedAt:       endedAt(job.EndedAt, now),
		UpdatedAt:     now,
	}
	if job.StartedAt != nil {
		end := now
		if job.EndedAt != nil {
			end = *job.EndedAt
		}
		upd.DurationSeconds = models.Ptr(int64(end.Sub(*job.StartedAt).Seconds()))
	}
	return upd, nil
}

// FailTraining moves any non-terminal job to failed
func FailTraining(job *models.TrainingJob, detail models.ErrorDetail, now time.Time) (models.TrainingJobUpdate, error) {
	const op = "statemachine.FailTraining"
	if job.Status == models.TrainingFailed {
		if job.ErrorDetail != nil && samePayload(*job.ErrorDetail, detail) {
			return models.TrainingJobUpdate{}, ErrNoop
		}
		return models.TrainingJobUpdate{}, apperr.Conflict(op, "training job %s already failed", job.ID)
	}
	if err := trainingMove(op, job, models.TrainingFailed); err != nil {
		return models.TrainingJobUpdate{}, err
	}
	return models.TrainingJobUpdate{
		Status:      models.Ptr(models.TrainingFailed),
		ErrorDetail: &detail,
		EndedAt:     endedAt(job.EndedAt, now),
		UpdatedAt:   now,
	}, nil
}

// CancelTraining moves a pending, preprocessing or training job to cancelled
func CancelTraining(job *models.TrainingJob, now time.Time) (models.TrainingJobUpdate, error) {
	if job.Status == models.TrainingCancelled {
		return models.TrainingJobUpdate{}, ErrNoop
	}
	if err := trainingMove("statemachine.CancelTraining", job, models.TrainingCancelled); err != nil {
		return models.TrainingJobUpdate{}, err
	}
	return models.TrainingJobUpdate{
		Status:    models.Ptr(models.TrainingCancelled),
		EndedAt:   endedAt(job.EndedAt, now),
		UpdatedAt: now,
	}, nil
}
