package realtime

import (
	"context"

	"ml-orchestrator/core/events"
	"ml-orchestrator/core/models"
)

// Bridge forwards bus events to connected clients. The returned func removes
// every subscription.
func Bridge(bus *events.Bus, reg *Registry) func() {
	var unsubs []func()
	sub := func(names []events.Name, fn events.Listener) {
		for _, n := range names {
			unsubs = append(unsubs, bus.Subscribe(n, "realtime", fn))
		}
	}

	sub(events.TrainingNames, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.TrainingEvent)
		if !ok {
			return nil
		}
		reg.SendToUser(e.OwnerID, EventTrainingUpdate, trainingUpdate(e.Name, p))
		return nil
	})
	sub(events.EvaluationNames, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.EvaluationEvent)
		if !ok {
			return nil
		}
		reg.SendToUser(e.OwnerID, EventEvaluationUpdate, evaluationUpdate(e.Name, p.Evaluation))
		return nil
	})
	sub(events.DeploymentNames, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.DeploymentEvent)
		if !ok {
			return nil
		}
		reg.SendToUser(e.OwnerID, EventDeploymentUpdate, deploymentUpdate(e.Name, p))
		return nil
	})
	sub([]events.Name{events.AlertRaised}, func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.AlertEvent)
		if !ok {
			return nil
		}
		reg.BroadcastToAdmins(EventAlert, alertData(p.Alert))
		return nil
	})
	sub([]events.Name{events.SystemWarning, events.SystemError}, func(ctx context.Context, e events.Event) error {
		p, _ := e.Payload.(events.SystemEvent)
		kind, title := "warning", "System Warning"
		if e.Name == events.SystemError {
			kind, title = "error", "System Error"
		}
		reg.BroadcastToAdmins(EventNotification, map[string]interface{}{
			"type":      kind,
			"title":     title,
			"message":   p.Message,
			"component": p.Component,
			"timestamp": e.At,
		})
		return nil
	})

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// updateOf names what happened, e.g. "progress" for training.progress. It is
// sent as "update"; "status" always carries the entity's lifecycle status.
func updateOf(name events.Name) string {
	s := string(name)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return s[i+1:]
		}
	}
	return s
}

func trainingUpdate(name events.Name, p events.TrainingEvent) map[string]interface{} {
	job := p.Job
	data := map[string]interface{}{
		"jobId":    job.ID,
		"status":   string(job.Status),
		"update":   updateOf(name),
		"progress": job.Progress,
		"message":  p.Message,
	}
	switch name {
	case events.TrainingStarted:
		data["progress"] = 0.0
		data["message"] = "Training started"
	case events.TrainingCompleted:
		data["progress"] = 100.0
		data["message"] = "Training completed successfully"
		data["metrics"] = job.ResultMetrics
	case events.TrainingFailed:
		msg := "Training failed"
		if job.ErrorDetail != nil {
			msg += ": " + job.ErrorDetail.Message
		}
		data["message"] = msg
	case events.TrainingCancelled:
		data["message"] = "Training cancelled"
	}
	return data
}

func evaluationUpdate(name events.Name, ev models.Evaluation) map[string]interface{} {
	data := map[string]interface{}{
		"evaluationId": ev.ID,
		"status":       string(ev.Status),
		"update":       updateOf(name),
		"message":      "Evaluation " + updateOf(name),
	}
	if name == events.EvaluationCompleted {
		data["overallScore"] = ev.OverallScore()
	}
	if ev.ErrorDetail != nil {
		data["error"] = ev.ErrorDetail.Message
	}
	return data
}

func deploymentUpdate(name events.Name, p events.DeploymentEvent) map[string]interface{} {
	d := p.Deployment
	data := map[string]interface{}{
		"deploymentId": d.ID,
		"status":       string(d.Status),
		"update":       updateOf(name),
		"message":      "Deployment " + updateOf(name),
	}
	switch name {
	case events.DeploymentActive:
		data["endpoint"] = d.Endpoint
	case events.DeploymentScaled:
		data["scalingConfig"] = d.ScalingConfig
	case events.DeploymentHealthChanged:
		data["healthStatus"] = d.HealthStatus
		data["previousHealth"] = p.PreviousHealth
	case events.DeploymentFailed:
		if d.ErrorDetail != nil {
			data["error"] = d.ErrorDetail.Message
		}
	}
	return data
}

func alertData(a models.Alert) map[string]interface{} {
	return map[string]interface{}{
		"id":       a.ID,
		"type":     a.Type,
		"severity": a.Severity,
		"title":    a.Title,
		"message":  a.Message,
		"metadata": a.Metadata,
		"raisedAt": a.RaisedAt,
	}
}
