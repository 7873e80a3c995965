// Package processor holds the per-domain queue handlers. Each processor
// re-reads its entity, marks it in flight, submits it to the pipeline with a
// bounded timeout and records the pipeline's acceptance. Completion arrives
// later through the service callbacks.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/queue"
)

// Timeouts bound the submission calls. They cover the pipeline's
// acknowledgement only, not the job itself. Cancel bounds the best-effort
// training cancel issued by users and the stuck-job sweep.
type Timeouts struct {
	Training   time.Duration
	Evaluation time.Duration
	Deployment time.Duration
	Cancel     time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Training:   300 * time.Second,
		Evaluation: 300 * time.Second,
		Deployment: 600 * time.Second,
		Cancel:     10 * time.Second,
	}
}

var tracer = otel.Tracer("ml-orchestrator/processor")

// Register installs the processors on the queue
func Register(q *queue.Queue, t *TrainingProcessor, e *EvaluationProcessor, d *DeploymentProcessor) {
	q.Register(models.DomainTraining, t)
	q.Register(models.DomainEvaluation, e)
	q.Register(models.DomainDeployment, d)
}

func startSpan(ctx context.Context, item models.QueueItem) (context.Context, trace.Span) {
	return tracer.Start(ctx, "processor."+string(item.Domain), trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.String("job.id", item.JobID),
		attribute.Int("queue.attempt", item.Attempt),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// decodePayload reads a queue payload into a typed struct. Payloads that
// went through JSON carry numbers as float64, hence the weak typing.
func decodePayload(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return apperr.Validation("processor.decodePayload", "malformed payload: %v", err)
	}
	return nil
}

// failureDetail describes why a queue item gave up
func failureDetail(item models.QueueItem, cause error) models.ErrorDetail {
	code := "RETRIES_EXHAUSTED"
	switch {
	case errors.Is(cause, apperr.ErrTerminal):
		code = "PIPELINE_REJECTED"
	case errors.Is(cause, apperr.ErrValidation):
		code = "INVALID_REQUEST"
	case errors.Is(cause, apperr.ErrStateConflict):
		code = "STATE_CONFLICT"
	}
	return models.ErrorDetail{
		Message: cause.Error(),
		Code:    code,
		Details: map[string]interface{}{"attempts": item.Attempt, "queueItemId": item.ID},
	}
}
