package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"ml-orchestrator/core/events"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
)

// Thresholds configure the alert rules
type Thresholds struct {
	ErrorRate         float64
	ErrorRateRequests int64
	MemoryPercent     float64
	StuckTraining     time.Duration
	UnhealthyFor      time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:         0.1,
		ErrorRateRequests: 100,
		MemoryPercent:     85,
		StuckTraining:     time.Hour,
		UnhealthyFor:      5 * time.Minute,
	}
}

// AlertStore is what the alert manager reads and writes
type AlertStore interface {
	repository.AlertStore
	ListTrainingJobs(ctx context.Context, f repository.TrainingJobFilter) ([]*models.TrainingJob, error)
	ListDeployments(ctx context.Context, f repository.DeploymentFilter) ([]*models.Deployment, error)
	Ping(ctx context.Context) error
}

// MemoryUsage reports heap usage as a percentage
type MemoryUsage func() (percent float64, used, total uint64)

func heapUsage() (float64, uint64, uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return 0, m.HeapAlloc, m.HeapSys
	}
	return float64(m.HeapAlloc) / float64(m.HeapSys) * 100, m.HeapAlloc, m.HeapSys
}

// AlertManager evaluates threshold rules and records every breach as a new
// alert. Alerts are emitted on the bus and passed to subscribers.
type AlertManager struct {
	store      AlertStore
	bus        *events.Bus
	collector  *Collector
	thresholds Thresholds
	memory     MemoryUsage
	now        func() time.Time

	mu          sync.RWMutex
	subscribers map[uint64]func(models.Alert)
	nextSub     uint64
}

type AlertOption func(*AlertManager)

func WithAlertClock(now func() time.Time) AlertOption {
	return func(am *AlertManager) { am.now = now }
}

func WithMemoryUsage(fn MemoryUsage) AlertOption {
	return func(am *AlertManager) { am.memory = fn }
}

func WithAlertCollector(c *Collector) AlertOption {
	return func(am *AlertManager) { am.collector = c }
}

func NewAlertManager(store AlertStore, bus *events.Bus, thresholds Thresholds, opts ...AlertOption) *AlertManager {
	am := &AlertManager{
		store:       store,
		bus:         bus,
		thresholds:  thresholds,
		memory:      heapUsage,
		now:         time.Now,
		subscribers: make(map[uint64]func(models.Alert)),
	}
	for _, opt := range opts {
		opt(am)
	}
	return am
}

// Evaluate runs every rule once and returns the alerts raised. A failing
// rule is reported in the error and does not stop the others.
func (am *AlertManager) Evaluate(ctx context.Context) ([]*models.Alert, error) {
	var raised []*models.Alert
	var result *multierror.Error

	if a := am.checkDatabase(ctx); a != nil {
		raised = append(raised, a)
		// the remaining rules read from the store
		return am.raiseAll(ctx, raised, result)
	}
	rules := []struct {
		name  string
		check func(context.Context) ([]*models.Alert, error)
	}{
		{"error_rate", am.checkErrorRates},
		{"memory", am.checkMemory},
		{"stuck_training", am.checkStuckTraining},
		{"unhealthy_deployments", am.checkUnhealthyDeployments},
	}
	for _, r := range rules {
		alerts, err := r.check(ctx)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.name, err))
			continue
		}
		raised = append(raised, alerts...)
	}
	return am.raiseAll(ctx, raised, result)
}

func (am *AlertManager) raiseAll(ctx context.Context, alerts []*models.Alert, result *multierror.Error) ([]*models.Alert, error) {
	out := alerts[:0]
	for _, a := range alerts {
		if err := am.Raise(ctx, a); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, a)
	}
	return out, result.ErrorOrNil()
}

func (am *AlertManager) checkDatabase(ctx context.Context) *models.Alert {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := am.store.Ping(pctx); err != nil {
		return &models.Alert{
			Type:     models.AlertDatabaseConnectionErr,
			Severity: models.SeverityError,
			Title:    "Database Connection Error",
			Message:  "Failed to connect to database",
			Metadata: map[string]interface{}{"error": err.Error()},
		}
	}
	return nil
}

func (am *AlertManager) checkErrorRates(ctx context.Context) ([]*models.Alert, error) {
	list, err := am.store.ListDeployments(ctx, repository.DeploymentFilter{Statuses: []models.DeploymentStatus{models.DeploymentActive}})
	if err != nil {
		return nil, err
	}
	var alerts []*models.Alert
	for _, d := range list {
		if d.Traffic.Requests <= am.thresholds.ErrorRateRequests {
			continue
		}
		rate := d.Traffic.ErrorRate()
		if rate <= am.thresholds.ErrorRate {
			continue
		}
		alerts = append(alerts, &models.Alert{
			Type:          models.AlertHighErrorRate,
			Severity:      models.SeverityWarning,
			Title:         "High Error Rate Detected",
			Message:       fmt.Sprintf("Deployment %s has error rate of %.1f%%", d.Name, rate*100),
			RelatedEntity: &models.EntityRef{Type: models.DomainDeployment, ID: d.ID},
			Metadata: map[string]interface{}{
				"deploymentId": d.ID,
				"errorRate":    rate,
				"requests":     d.Traffic.Requests,
				"errors":       d.Traffic.Errors,
			},
		})
	}
	return alerts, nil
}

func (am *AlertManager) checkMemory(ctx context.Context) ([]*models.Alert, error) {
	percent, used, total := am.memory()
	if percent <= am.thresholds.MemoryPercent {
		return nil, nil
	}
	return []*models.Alert{{
		Type:     models.AlertHighMemoryUsage,
		Severity: models.SeverityWarning,
		Title:    "High Memory Usage",
		Message:  fmt.Sprintf("Memory usage is at %.1f%%", percent),
		Metadata: map[string]interface{}{"memoryPercent": percent, "heapUsed": used, "heapTotal": total},
	}}, nil
}

func (am *AlertManager) checkStuckTraining(ctx context.Context) ([]*models.Alert, error) {
	stuck, err := am.store.ListTrainingJobs(ctx, repository.TrainingJobFilter{
		Statuses:      []models.TrainingStatus{models.TrainingTraining, models.TrainingPreprocessing},
		UpdatedBefore: am.now().Add(-am.thresholds.StuckTraining),
	})
	if err != nil || len(stuck) == 0 {
		return nil, err
	}
	ids := make([]string, 0, len(stuck))
	for _, j := range stuck {
		ids = append(ids, j.ID)
	}
	return []*models.Alert{{
		Type:     models.AlertStuckTrainingJobs,
		Severity: models.SeverityWarning,
		Title:    "Stuck Training Jobs",
		Message:  fmt.Sprintf("%d training job(s) appear to be stuck", len(stuck)),
		Metadata: map[string]interface{}{"count": len(stuck), "jobIds": ids},
	}}, nil
}

// checkUnhealthyDeployments flags active deployments whose health has been
// unhealthy or degraded for longer than the threshold
func (am *AlertManager) checkUnhealthyDeployments(ctx context.Context) ([]*models.Alert, error) {
	list, err := am.store.ListDeployments(ctx, repository.DeploymentFilter{Statuses: []models.DeploymentStatus{models.DeploymentActive}})
	if err != nil {
		return nil, err
	}
	cutoff := am.now().Add(-am.thresholds.UnhealthyFor)
	var ids []string
	for _, d := range list {
		if !d.HealthStatus.Impaired() || d.UnhealthySince == nil || d.UnhealthySince.After(cutoff) {
			continue
		}
		ids = append(ids, d.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return []*models.Alert{{
		Type:     models.AlertUnhealthyDeployments,
		Severity: models.SeverityError,
		Title:    "Unhealthy Deployments",
		Message:  fmt.Sprintf("%d deployment(s) are unhealthy", len(ids)),
		Metadata: map[string]interface{}{"count": len(ids), "deploymentIds": ids},
	}}, nil
}

// Raise records a new alert, emits alert.raised and notifies subscribers
func (am *AlertManager) Raise(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = am.now()
	}
	if err := am.store.CreateAlert(ctx, a); err != nil {
		if a.Type != models.AlertDatabaseConnectionErr {
			return fmt.Errorf("store alert %s: %w", a.Type, err)
		}
		// an unreachable store cannot hold its own alert; fan it out anyway
		logger.Warnf("alert %s not persisted: %v", a.ID, err)
	}

	if a.Severity == models.SeverityError {
		logger.Errorf("Alert: %s - %s", a.Title, a.Message)
	} else {
		logger.Warnf("Alert: %s - %s", a.Title, a.Message)
	}
	if am.collector != nil {
		am.collector.RecordAlert(*a)
	}
	if am.bus != nil {
		am.bus.Emit(ctx, events.Event{Name: events.AlertRaised, Payload: events.AlertEvent{Alert: *a}})
	}
	am.notify(*a)
	return nil
}

func (am *AlertManager) notify(a models.Alert) {
	am.mu.RLock()
	subs := make([]func(models.Alert), 0, len(am.subscribers))
	for _, fn := range am.subscribers {
		subs = append(subs, fn)
	}
	am.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("alert subscriber panicked: %v", r)
				}
			}()
			fn(a)
		}()
	}
}

// Subscribe registers fn for every raised alert and returns its cancel func
func (am *AlertManager) Subscribe(fn func(models.Alert)) func() {
	am.mu.Lock()
	am.nextSub++
	id := am.nextSub
	am.subscribers[id] = fn
	am.mu.Unlock()
	return func() {
		am.mu.Lock()
		delete(am.subscribers, id)
		am.mu.Unlock()
	}
}

// ActiveAlerts lists unacknowledged alerts, newest first
func (am *AlertManager) ActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return am.store.ListAlerts(ctx, repository.AlertFilter{ActiveOnly: true})
}

// AlertHistory lists all alerts, newest first
func (am *AlertManager) AlertHistory(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return am.store.ListAlerts(ctx, repository.AlertFilter{Limit: limit})
}

// Acknowledge marks one alert handled. It stays in the history.
func (am *AlertManager) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	a, err := am.store.AcknowledgeAlert(ctx, id, by, am.now())
	if err != nil {
		return nil, err
	}
	logger.Infof("alert %s acknowledged by %s", id, by)
	return a, nil
}
