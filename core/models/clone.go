package models

import "time"

// Clone returns a copy of j that shares no maps, slices or pointers with it
func (j *TrainingJob) Clone() *TrainingJob {
	cp := *j
	cp.Hyperparameters = cloneMap(j.Hyperparameters)
	cp.DatasetInfo = cloneMap(j.DatasetInfo)
	cp.ResultMetrics = Metrics(cloneMap(j.ResultMetrics))
	cp.ErrorDetail = j.ErrorDetail.clone()
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.EndedAt = cloneTime(j.EndedAt)
	return &cp
}

// Clone returns a copy of e that shares no maps, slices or pointers with it
func (e *Evaluation) Clone() *Evaluation {
	cp := *e
	if e.MetricNames != nil {
		cp.MetricNames = append([]string(nil), e.MetricNames...)
	}
	cp.Metrics = Metrics(cloneMap(e.Metrics))
	cp.ConfusionMatrix = cloneValue(e.ConfusionMatrix)
	cp.ClassificationReport = cloneMap(e.ClassificationReport)
	cp.DriftMetrics = cloneMap(e.DriftMetrics)
	cp.ErrorDetail = e.ErrorDetail.clone()
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.EndedAt = cloneTime(e.EndedAt)
	return &cp
}

// Clone returns a copy of d that shares no maps, slices or pointers with it
func (d *Deployment) Clone() *Deployment {
	cp := *d
	cp.Metrics = Metrics(cloneMap(d.Metrics))
	cp.ErrorDetail = d.ErrorDetail.clone()
	cp.HealthChangedAt = cloneTime(d.HealthChangedAt)
	cp.UnhealthySince = cloneTime(d.UnhealthySince)
	cp.LastHealthCheckAt = cloneTime(d.LastHealthCheckAt)
	cp.DeployedAt = cloneTime(d.DeployedAt)
	cp.ScaledAt = cloneTime(d.ScaledAt)
	cp.StartedAt = cloneTime(d.StartedAt)
	cp.EndedAt = cloneTime(d.EndedAt)
	return &cp
}

func (a *Alert) Clone() *Alert {
	cp := *a
	if a.RelatedEntity != nil {
		ref := *a.RelatedEntity
		cp.RelatedEntity = &ref
	}
	cp.Metadata = cloneMap(a.Metadata)
	cp.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	return &cp
}

func (r *AuditRecord) Clone() *AuditRecord {
	cp := *r
	cp.Details = cloneMap(r.Details)
	return &cp
}

func (s *MetricSample) Clone() *MetricSample {
	cp := *s
	cp.Value = cloneMap(s.Value)
	return &cp
}

func (d *ErrorDetail) clone() *ErrorDetail {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Details = cloneMap(d.Details)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// cloneMap copies decoded JSON: nested maps and slices are copied, scalars
// are immutable and shared
func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case Metrics:
		return Metrics(cloneMap(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case [][]float64:
		out := make([][]float64, len(t))
		for i, row := range t {
			out[i] = append([]float64(nil), row...)
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
