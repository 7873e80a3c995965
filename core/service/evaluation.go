package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/events"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/statemachine"
)

type CreateEvaluationRequest struct {
	OwnerID       string   `json:"-"`
	ModelID       string   `json:"modelId"`
	TrainingJobID string   `json:"trainingJobId"`
	DatasetID     string   `json:"datasetId"`
	Name          string   `json:"name"`
	Metrics       []string `json:"metrics"`
}

type EvaluationService struct {
	store repository.EvaluationStore
	queue Enqueuer
	bus   *events.Bus
	now   func() time.Time
}

func NewEvaluationService(store repository.EvaluationStore, queue Enqueuer, bus *events.Bus, opts ...Option) *EvaluationService {
	o := buildOptions(opts)
	return &EvaluationService{store: store, queue: queue, bus: bus, now: o.now}
}

// Create records a pending evaluation, enqueues it and emits evaluation.started
func (s *EvaluationService) Create(ctx context.Context, req CreateEvaluationRequest) (*models.Evaluation, error) {
	const op = "service.CreateEvaluation"
	if req.ModelID == "" || req.DatasetID == "" {
		return nil, apperr.Validation(op, "modelId and datasetId are required")
	}
	now := s.now()
	name := req.Name
	if name == "" {
		name = "Evaluation " + now.UTC().Format("2006-01-02")
	}
	e := &models.Evaluation{
		ID:            uuid.NewString(),
		OwnerID:       req.OwnerID,
		ModelID:       req.ModelID,
		TrainingJobID: req.TrainingJobID,
		DatasetID:     req.DatasetID,
		Name:          name,
		Status:        models.EvaluationPending,
		MetricNames:   req.Metrics,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateEvaluation(ctx, e); err != nil {
		return nil, err
	}

	payload, err := toPayload(models.EvaluationPayload{ModelID: e.ModelID, DatasetID: e.DatasetID, Metrics: e.MetricNames})
	if err == nil {
		_, err = s.queue.Enqueue(ctx, models.DomainEvaluation, e.ID, e.OwnerID, payload)
	}
	if err != nil {
		logger.Errorf("failed to enqueue evaluation %s: %v", e.ID, err)
		if _, ferr := s.Fail(context.WithoutCancel(ctx), e.ID, models.ErrorDetail{Message: "failed to enqueue evaluation", Code: "ENQUEUE_FAILED"}); ferr != nil {
			logger.Errorf("failed to mark evaluation %s failed: %v", e.ID, ferr)
		}
		return nil, err
	}

	logger.Infof("evaluation %s created for model %s", e.ID, e.ModelID)
	s.emit(ctx, events.EvaluationStarted, e)
	return e, nil
}

func (s *EvaluationService) Get(ctx context.Context, id string) (*models.Evaluation, error) {
	return s.store.GetEvaluation(ctx, id)
}

func (s *EvaluationService) List(ctx context.Context, f repository.EvaluationFilter) ([]*models.Evaluation, error) {
	return s.store.ListEvaluations(ctx, f)
}

func (s *EvaluationService) update(ctx context.Context, id string, fn func(*models.Evaluation) (models.EvaluationUpdate, error)) (*models.Evaluation, *models.Evaluation, error) {
	return mutate(ctx, id, s.store.GetEvaluation,
		func(e *models.Evaluation) int64 { return e.Version },
		s.store.UpdateEvaluation, fn)
}

// MarkRunning moves a pending evaluation in flight ahead of the pipeline call
func (s *EvaluationService) MarkRunning(ctx context.Context, id string) (*models.Evaluation, error) {
	_, after, err := s.update(ctx, id, func(e *models.Evaluation) (models.EvaluationUpdate, error) {
		return statemachine.StartEvaluation(e, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	if err != nil {
		return after, err
	}
	s.emit(ctx, events.EvaluationRunning, after)
	return after, nil
}

func (s *EvaluationService) MarkAccepted(ctx context.Context, id, externalRef string) (*models.Evaluation, error) {
	_, after, err := s.update(ctx, id, func(e *models.Evaluation) (models.EvaluationUpdate, error) {
		return statemachine.AcceptEvaluation(e, externalRef, s.now())
	})
	if isNoop(err) {
		return after, nil
	}
	if err == nil {
		logger.Infof("evaluation %s accepted by pipeline as %s", id, externalRef)
	}
	return after, err
}

// UpdateResults is the pipeline's results callback; results imply completion
func (s *EvaluationService) UpdateResults(ctx context.Context, id string, results statemachine.EvaluationResults) (*models.Evaluation, error) {
	_, after, err := s.update(ctx, id, func(e *models.Evaluation) (models.EvaluationUpdate, error) {
		return statemachine.CompleteEvaluation(e, results, s.now())
	})
	if err != nil {
		return after, dropCallbackError("service.UpdateEvaluationResults", id, err)
	}
	logger.Infof("evaluation %s completed", id)
	s.emit(ctx, events.EvaluationCompleted, after)
	return after, nil
}

func (s *EvaluationService) Fail(ctx context.Context, id string, detail models.ErrorDetail) (*models.Evaluation, error) {
	_, after, err := s.update(ctx, id, func(e *models.Evaluation) (models.EvaluationUpdate, error) {
		return statemachine.FailEvaluation(e, detail, s.now())
	})
	if err != nil {
		return after, dropCallbackError("service.FailEvaluation", id, err)
	}
	logger.Warnf("evaluation %s failed: %s", id, detail.Message)
	s.emit(ctx, events.EvaluationFailed, after)
	return after, nil
}

// MetricSummary aggregates one metric across compared evaluations
type MetricSummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

type ComparedEvaluation struct {
	ID           string         `json:"id"`
	ModelID      string         `json:"modelId"`
	Name         string         `json:"name"`
	Metrics      models.Metrics `json:"metrics"`
	OverallScore *float64       `json:"overallScore"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type Comparison struct {
	Evaluations    []ComparedEvaluation     `json:"evaluations"`
	Best           ComparedEvaluation       `json:"bestModel"`
	MetricsSummary map[string]MetricSummary `json:"metricsSummary"`
}

// Compare ranks the owner's evaluations by overall score. It reads only.
func (s *EvaluationService) Compare(ctx context.Context, ownerID string, ids []string) (*Comparison, error) {
	const op = "service.CompareEvaluations"
	if len(ids) < 2 {
		return nil, apperr.Validation(op, "at least two evaluations are required for comparison")
	}
	list, err := s.store.ListEvaluations(ctx, repository.EvaluationFilter{OwnerID: ownerID, IDs: ids})
	if err != nil {
		return nil, err
	}
	if len(list) != len(ids) {
		return nil, apperr.NotFound(op, "evaluations", "in comparison set")
	}

	compared := make([]ComparedEvaluation, 0, len(list))
	for _, e := range list {
		compared = append(compared, ComparedEvaluation{
			ID:           e.ID,
			ModelID:      e.ModelID,
			Name:         e.Name,
			Metrics:      e.Metrics,
			OverallScore: e.OverallScore(),
			CreatedAt:    e.CreatedAt,
		})
	}
	sort.SliceStable(compared, func(i, j int) bool {
		return scoreOf(compared[i]) > scoreOf(compared[j])
	})

	return &Comparison{
		Evaluations:    compared,
		Best:           compared[0],
		MetricsSummary: summarize(compared),
	}, nil
}

func scoreOf(c ComparedEvaluation) float64 {
	if c.OverallScore == nil {
		return 0
	}
	return *c.OverallScore
}

func summarize(list []ComparedEvaluation) map[string]MetricSummary {
	values := map[string][]float64{}
	for _, c := range list {
		for name, v := range c.Metrics {
			if f, ok := v.(float64); ok {
				values[name] = append(values[name], f)
			}
		}
	}
	summary := make(map[string]MetricSummary, len(values))
	for name, vs := range values {
		sum := MetricSummary{Min: math.Inf(1), Max: math.Inf(-1)}
		var total float64
		for _, v := range vs {
			sum.Min = math.Min(sum.Min, v)
			sum.Max = math.Max(sum.Max, v)
			total += v
		}
		sum.Avg = total / float64(len(vs))
		summary[name] = sum
	}
	return summary
}

// RecordCost stores the accrued cost of an evaluation
func (s *EvaluationService) RecordCost(ctx context.Context, id string, cost float64) error {
	_, _, err := s.update(ctx, id, func(e *models.Evaluation) (models.EvaluationUpdate, error) {
		if e.Cost == cost {
			return models.EvaluationUpdate{}, statemachine.ErrNoop
		}
		return models.EvaluationUpdate{Cost: models.Ptr(cost)}, nil
	})
	if isNoop(err) {
		return nil
	}
	return err
}

func (s *EvaluationService) emit(ctx context.Context, name events.Name, e *models.Evaluation) {
	if s.bus == nil || e == nil {
		return
	}
	s.bus.Emit(ctx, events.Event{Name: name, OwnerID: e.OwnerID, Payload: events.EvaluationEvent{Evaluation: *e}})
}
