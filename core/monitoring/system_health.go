package monitoring

import (
	"context"
	"sort"
	"time"

	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
)

const checkTimeout = 5 * time.Second

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthReport is the aggregate result of a health sweep
type HealthReport struct {
	Status    models.HealthStatus `json:"status"`
	Checks    map[string]string   `json:"checks"`
	Timestamp time.Time           `json:"timestamp"`
}

type sampleStore interface {
	CreateMetricSample(ctx context.Context, s *models.MetricSample) error
}

// SystemHealth checks the orchestrator's dependencies: the record store, the
// ML pipeline and, when configured, the cloud provider.
type SystemHealth struct {
	checks    map[string]Check
	samples   sampleStore
	collector *Collector
	now       func() time.Time
}

func NewSystemHealth(samples sampleStore, collector *Collector) *SystemHealth {
	return &SystemHealth{checks: make(map[string]Check), samples: samples, collector: collector, now: time.Now}
}

// Add registers a named check. Not safe for use after Check has run.
func (sh *SystemHealth) Add(name string, c Check) *SystemHealth {
	sh.checks[name] = c
	return sh
}

// Check runs every registered check. Any failure degrades the status.
func (sh *SystemHealth) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    models.HealthHealthy,
		Checks:    map[string]string{"api": string(models.HealthHealthy)},
		Timestamp: sh.now(),
	}
	names := make([]string, 0, len(sh.checks))
	for name := range sh.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := sh.checks[name](cctx)
		cancel()
		healthy := err == nil
		if healthy {
			report.Checks[name] = string(models.HealthHealthy)
		} else {
			logger.Warnf("%s health check failed: %v", name, err)
			report.Checks[name] = string(models.HealthUnhealthy)
			report.Status = models.HealthDegraded
		}
		if sh.collector != nil {
			sh.collector.SetComponentHealth(name, healthy)
		}
	}
	return report
}

// Ready reports whether the named checks pass
func (sh *SystemHealth) Ready(ctx context.Context, names ...string) (bool, map[string]string) {
	out := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		c, ok := sh.checks[name]
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c(cctx)
		cancel()
		if err != nil {
			ready = false
			out[name] = string(models.HealthUnhealthy)
			continue
		}
		out[name] = string(models.HealthHealthy)
	}
	return ready, out
}

// Sweep runs the checks and records the report as a system_health sample
func (sh *SystemHealth) Sweep(ctx context.Context) (HealthReport, error) {
	report := sh.Check(ctx)
	checks := make(map[string]interface{}, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = v
	}
	sample := &models.MetricSample{
		Name:       "system_health",
		Value:      map[string]interface{}{"status": string(report.Status), "checks": checks},
		RecordedAt: report.Timestamp,
	}
	if report.Status != models.HealthHealthy {
		logger.Warnf("system health is %s: %v", report.Status, report.Checks)
	}
	if err := sh.samples.CreateMetricSample(ctx, sample); err != nil {
		return report, err
	}
	return report, nil
}
