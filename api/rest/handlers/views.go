package handlers

import "ml-orchestrator/core/models"

func trainingView(job *models.TrainingJob) map[string]interface{} {
	return map[string]interface{}{
		"id":              job.ID,
		"userId":          job.OwnerID,
		"modelId":         job.ModelID,
		"name":            job.Name,
		"status":          job.Status,
		"progress":        job.Progress,
		"hyperparameters": job.Hyperparameters,
		"epochs":          job.Epochs,
		"batchSize":       job.BatchSize,
		"datasetInfo":     job.DatasetInfo,
		"externalJobId":   job.ExternalRef,
		"cost":            job.Cost,
		"trainingMetrics": job.ResultMetrics,
		"errorDetail":     job.ErrorDetail,
		"logs":            job.Logs,
		"duration":        job.DurationSeconds,
		"createdAt":       job.CreatedAt,
		"updatedAt":       job.UpdatedAt,
		"startedAt":       job.StartedAt,
		"endedAt":         job.EndedAt,
	}
}

func evaluationView(e *models.Evaluation) map[string]interface{} {
	return map[string]interface{}{
		"id":                   e.ID,
		"userId":               e.OwnerID,
		"modelId":              e.ModelID,
		"trainingJobId":        e.TrainingJobID,
		"datasetId":            e.DatasetID,
		"name":                 e.Name,
		"status":               e.Status,
		"requestedMetrics":     e.MetricNames,
		"externalJobId":        e.ExternalRef,
		"cost":                 e.Cost,
		"metrics":              e.Metrics,
		"overallScore":         e.OverallScore(),
		"confusionMatrix":      e.ConfusionMatrix,
		"classificationReport": e.ClassificationReport,
		"driftMetrics":         e.DriftMetrics,
		"errorDetail":          e.ErrorDetail,
		"executionTime":        e.ExecutionSeconds,
		"createdAt":            e.CreatedAt,
		"startedAt":            e.StartedAt,
		"endedAt":              e.EndedAt,
	}
}

func deploymentView(d *models.Deployment) map[string]interface{} {
	return map[string]interface{}{
		"id":                   d.ID,
		"userId":               d.OwnerID,
		"modelId":              d.ModelID,
		"modelPath":            d.ModelPath,
		"name":                 d.Name,
		"environment":          d.Environment,
		"status":               d.Status,
		"endpoint":             d.Endpoint,
		"externalDeploymentId": d.ExternalRef,
		"healthStatus":         d.HealthStatus,
		"lastHealthCheck":      d.LastHealthCheckAt,
		"unhealthySince":       d.UnhealthySince,
		"traffic":              d.Traffic,
		"scalingConfig":        d.ScalingConfig,
		"metrics":              d.Metrics,
		"cost":                 d.Cost,
		"errorDetail":          d.ErrorDetail,
		"deployedAt":           d.DeployedAt,
		"scaledAt":             d.ScaledAt,
		"createdAt":            d.CreatedAt,
		"updatedAt":            d.UpdatedAt,
	}
}

func queueItemView(it *models.QueueItem) map[string]interface{} {
	return map[string]interface{}{
		"id":             it.ID,
		"domain":         it.Domain,
		"jobId":          it.JobID,
		"userId":         it.OwnerID,
		"payload":        it.Payload,
		"attempt":        it.Attempt,
		"maxAttempts":    it.MaxAttempts,
		"notBefore":      it.NotBefore,
		"lastError":      it.LastError,
		"deadLetteredAt": it.DeadLetteredAt,
		"createdAt":      it.CreatedAt,
	}
}

func listView[T any](items []T, view func(T) map[string]interface{}) map[string]interface{} {
	out := make([]map[string]interface{}, len(items))
	for i, it := range items {
		out[i] = view(it)
	}
	return map[string]interface{}{"items": out, "count": len(out)}
}
