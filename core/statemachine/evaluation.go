package statemachine

import (
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

var evaluationEdges = map[models.EvaluationStatus][]models.EvaluationStatus{
	models.EvaluationPending: {models.EvaluationRunning, models.EvaluationFailed},
	models.EvaluationRunning: {models.EvaluationCompleted, models.EvaluationFailed},
}

func CanTransitionEvaluation(from, to models.EvaluationStatus) bool {
	for _, s := range evaluationEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func evaluationMove(op string, e *models.Evaluation, to models.EvaluationStatus) error {
	if !CanTransitionEvaluation(e.Status, to) {
		return conflict(op, "evaluation "+e.ID, string(e.Status), string(to))
	}
	return nil
}

// StartEvaluation marks a pending evaluation running before the pipeline call
func StartEvaluation(e *models.Evaluation, now time.Time) (models.EvaluationUpdate, error) {
	if e.Status == models.EvaluationRunning {
		return models.EvaluationUpdate{}, ErrNoop
	}
	if err := evaluationMove("statemachine.StartEvaluation", e, models.EvaluationRunning); err != nil {
		return models.EvaluationUpdate{}, err
	}
	upd := models.EvaluationUpdate{Status: models.Ptr(models.EvaluationRunning), UpdatedAt: now}
	if e.StartedAt == nil {
		upd.StartedAt = &now
	}
	return upd, nil
}

// AcceptEvaluation stores the external id of a running evaluation
func AcceptEvaluation(e *models.Evaluation, externalRef string, now time.Time) (models.EvaluationUpdate, error) {
	const op = "statemachine.AcceptEvaluation"
	if e.Status != models.EvaluationRunning {
		return models.EvaluationUpdate{}, apperr.Conflict(op, "evaluation %s is %s, not running", e.ID, e.Status)
	}
	ref, err := setRef(op, e.ExternalRef, externalRef)
	if err != nil {
		return models.EvaluationUpdate{}, err
	}
	if ref == nil {
		return models.EvaluationUpdate{}, ErrNoop
	}
	return models.EvaluationUpdate{ExternalRef: ref, UpdatedAt: now}, nil
}

// EvaluationResults is the payload of a results callback
type EvaluationResults struct {
	Metrics              models.Metrics
	ConfusionMatrix      interface{}
	ClassificationReport map[string]interface{}
	DriftMetrics         map[string]interface{}
}

// CompleteEvaluation stores results and moves the evaluation to completed
func CompleteEvaluation(e *models.Evaluation, r EvaluationResults, now time.Time) (models.EvaluationUpdate, error) {
	const op = "statemachine.CompleteEvaluation"
	if len(r.Metrics) == 0 {
		return models.EvaluationUpdate{}, apperr.Validation(op, "completion of evaluation %s requires metrics", e.ID)
	}
	if e.Status == models.EvaluationCompleted {
		if samePayload(e.Metrics, r.Metrics) &&
			samePayload(e.ConfusionMatrix, r.ConfusionMatrix) &&
			samePayload(e.ClassificationReport, r.ClassificationReport) &&
			samePayload(e.DriftMetrics, r.DriftMetrics) {
			return models.EvaluationUpdate{}, ErrNoop
		}
		return models.EvaluationUpdate{}, apperr.Conflict(op, "evaluation %s already completed with different results", e.ID)
	}
	if err := evaluationMove(op, e, models.EvaluationCompleted); err != nil {
		return models.EvaluationUpdate{}, err
	}
	upd := models.EvaluationUpdate{
		Status:               models.Ptr(models.EvaluationCompleted),
		Metrics:              r.Metrics,
		ConfusionMatrix:      r.ConfusionMatrix,
		ClassificationReport: r.ClassificationReport,
		DriftMetrics:         r.DriftMetrics,
		EndedAt:              endedAt(e.EndedAt, now),
		UpdatedAt:            now,
	}
	if e.StartedAt != nil {
		upd.ExecutionSeconds = models.Ptr(now.Sub(*e.StartedAt).Seconds())
	}
	return upd, nil
}

func FailEvaluation(e *models.Evaluation, detail models.ErrorDetail, now time.Time) (models.EvaluationUpdate, error) {
	const op = "statemachine.FailEvaluation"
	if e.Status == models.EvaluationFailed {
		if e.ErrorDetail != nil && samePayload(*e.ErrorDetail, detail) {
			return models.EvaluationUpdate{}, ErrNoop
		}
		return models.EvaluationUpdate{}, apperr.Conflict(op, "evaluation %s already failed", e.ID)
	}
	if err := evaluationMove(op, e, models.EvaluationFailed); err != nil {
		return models.EvaluationUpdate{}, err
	}
	return models.EvaluationUpdate{
		Status:      models.Ptr(models.EvaluationFailed),
		ErrorDetail: &detail,
		EndedAt:     endedAt(e.EndedAt, now),
		UpdatedAt:   now,
	}, nil
}
