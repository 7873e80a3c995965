package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/events"
	"ml-orchestrator/core/models"
)

type auditStore interface {
	CreateAuditRecord(ctx context.Context, rec *models.AuditRecord) error
}

// AuditListener writes lifecycle events to the audit trail
type AuditListener struct {
	store auditStore
	now   func() time.Time
}

func NewAuditListener(store auditStore) *AuditListener {
	return &AuditListener{store: store, now: time.Now}
}

// Register subscribes to every lifecycle event and returns a func that
// removes the subscriptions.
func (al *AuditListener) Register(bus *events.Bus) func() {
	var names []events.Name
	names = append(names, events.TrainingNames...)
	names = append(names, events.EvaluationNames...)
	names = append(names, events.DeploymentNames...)

	unsubs := make([]func(), 0, len(names))
	for _, n := range names {
		if n == events.TrainingProgress {
			continue
		}
		unsubs = append(unsubs, bus.Subscribe(n, "audit", al.Handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle converts one event into an audit record
func (al *AuditListener) Handle(ctx context.Context, e events.Event) error {
	rec := &models.AuditRecord{
		ID:        uuid.NewString(),
		OwnerID:   e.OwnerID,
		Action:    string(e.Name),
		Outcome:   outcomeOf(e.Name),
		CreatedAt: e.At,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = al.now()
	}

	switch p := e.Payload.(type) {
	case events.TrainingEvent:
		rec.EntityType, rec.EntityID, rec.ToStatus = models.DomainTraining, p.Job.ID, string(p.Job.Status)
		rec.Details = errorDetails(p.Job.ErrorDetail)
	case events.EvaluationEvent:
		rec.EntityType, rec.EntityID, rec.ToStatus = models.DomainEvaluation, p.Evaluation.ID, string(p.Evaluation.Status)
		rec.Details = errorDetails(p.Evaluation.ErrorDetail)
	case events.DeploymentEvent:
		rec.EntityType, rec.EntityID, rec.ToStatus = models.DomainDeployment, p.Deployment.ID, string(p.Deployment.Status)
		rec.Details = errorDetails(p.Deployment.ErrorDetail)
		if e.Name == events.DeploymentHealthChanged {
			rec.FromStatus, rec.ToStatus = string(p.PreviousHealth), string(p.Deployment.HealthStatus)
		}
	default:
		return fmt.Errorf("audit: unexpected payload %T for %s", e.Payload, e.Name)
	}
	return al.store.CreateAuditRecord(ctx, rec)
}

func outcomeOf(name events.Name) string {
	switch {
	case strings.HasSuffix(string(name), ".failed"):
		return "failure"
	case name == events.TrainingCancelled, name == events.DeploymentHealthChanged:
		return "warning"
	default:
		return "success"
	}
}

func errorDetails(d *models.ErrorDetail) map[string]interface{} {
	if d == nil {
		return nil
	}
	return map[string]interface{}{"error": d.Message, "code": d.Code}
}
