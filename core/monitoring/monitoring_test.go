package monitoring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/events"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/service"
	"ml-orchestrator/core/statemachine"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type nopQueue struct{}

func (nopQueue) Enqueue(ctx context.Context, d models.Domain, jobID, ownerID string, p map[string]interface{}) (*models.QueueItem, error) {
	return &models.QueueItem{JobID: jobID}, nil
}

type stubProber struct {
	status models.HealthStatus
	err    error
	calls  atomic.Int32
}

func (p *stubProber) ProbeHealth(ctx context.Context, endpoint string) (models.HealthStatus, error) {
	p.calls.Add(1)
	return p.status, p.err
}

func activeDeployment(t *testing.T, svc *service.DeploymentService) *models.Deployment {
	t.Helper()
	ctx := context.Background()
	d, err := svc.Create(ctx, service.CreateDeploymentRequest{OwnerID: "U1", Name: "D1", ModelID: "m1", ModelPath: "s3://m/m1"})
	require.NoError(t, err)
	_, err = svc.MarkDeploying(ctx, d.ID)
	require.NoError(t, err)
	d, err = svc.Activate(ctx, d.ID, statemachine.Endpoint{URL: "http://d1.local", ExternalRef: "ext-d1"})
	require.NoError(t, err)
	return d
}

func TestUnhealthyDeploymentRaisesErrorAlert(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := repository.NewMemory()
	bus := events.NewBus()
	svc := service.NewDeploymentService(store, nopQueue{}, bus, nil, service.WithClock(clock.Now))
	prober := &stubProber{status: models.HealthUnhealthy}
	monitor := NewHealthMonitor(prober, svc, time.Hour)
	defer monitor.Stop()
	svc.SetHealthWatcher(monitor)

	var delivered []models.Alert
	am := NewAlertManager(store, bus, DefaultThresholds(), WithAlertClock(clock.Now), WithMemoryUsage(func() (float64, uint64, uint64) { return 10, 1, 10 }))
	am.Subscribe(func(a models.Alert) { delivered = append(delivered, a) })

	d := activeDeployment(t, svc)
	assert.True(t, monitor.Watching(d.ID))

	for i := 0; i < 3; i++ {
		require.NoError(t, monitor.PollOnce(ctx, d.ID, d.Endpoint))
		clock.Advance(150 * time.Second)
	}

	raised, err := am.Evaluate(ctx)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, models.AlertUnhealthyDeployments, raised[0].Type)
	assert.Equal(t, models.SeverityError, raised[0].Severity)
	assert.Equal(t, []string{d.ID}, raised[0].Metadata["deploymentIds"])
	require.Len(t, delivered, 1)

	d, err = svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentActive, d.Status)
}

func TestUnhealthyForLessThanThresholdDoesNotAlert(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := repository.NewMemory()
	svc := service.NewDeploymentService(store, nopQueue{}, nil, nil, service.WithClock(clock.Now))
	monitor := NewHealthMonitor(&stubProber{status: models.HealthDegraded}, svc, time.Hour)
	defer monitor.Stop()

	d := activeDeployment(t, svc)
	require.NoError(t, monitor.PollOnce(ctx, d.ID, d.Endpoint))
	clock.Advance(2 * time.Minute)

	am := NewAlertManager(store, nil, DefaultThresholds(), WithAlertClock(clock.Now), WithMemoryUsage(func() (float64, uint64, uint64) { return 10, 1, 10 }))
	raised, err := am.Evaluate(ctx)
	require.NoError(t, err)
	assert.Empty(t, raised)
}

type flappingProber struct {
	mu     sync.Mutex
	states []models.HealthStatus
}

func (p *flappingProber) ProbeHealth(ctx context.Context, endpoint string) (models.HealthStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.states[0]
	if len(p.states) > 1 {
		p.states = p.states[1:]
	}
	return h, nil
}

func TestFlappingBetweenUnhealthyAndDegradedStillAlerts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := repository.NewMemory()
	svc := service.NewDeploymentService(store, nopQueue{}, nil, nil, service.WithClock(clock.Now))
	prober := &flappingProber{states: []models.HealthStatus{
		models.HealthUnhealthy, models.HealthDegraded, models.HealthUnhealthy,
		models.HealthDegraded, models.HealthUnhealthy, models.HealthDegraded, models.HealthUnhealthy,
	}}
	monitor := NewHealthMonitor(prober, svc, time.Hour)
	defer monitor.Stop()

	d := activeDeployment(t, svc)
	for i := 0; i < 7; i++ {
		require.NoError(t, monitor.PollOnce(ctx, d.ID, d.Endpoint))
		clock.Advance(time.Minute)
	}

	d, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, d.HealthChangedAt)
	assert.True(t, clock.Now().Sub(*d.HealthChangedAt) < DefaultThresholds().UnhealthyFor, "last flip is recent")

	am := NewAlertManager(store, nil, DefaultThresholds(), WithAlertClock(clock.Now), WithMemoryUsage(func() (float64, uint64, uint64) { return 10, 1, 10 }))
	raised, err := am.Evaluate(ctx)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, models.AlertUnhealthyDeployments, raised[0].Type)
	assert.Equal(t, []string{d.ID}, raised[0].Metadata["deploymentIds"])
}

func TestAlertRules(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := repository.NewMemory()

	require.NoError(t, store.CreateDeployment(ctx, &models.Deployment{
		ID: "d-err", Name: "noisy", Status: models.DeploymentActive,
		Traffic: models.TrafficCounters{Requests: 200, Errors: 40},
	}))
	require.NoError(t, store.CreateDeployment(ctx, &models.Deployment{
		ID: "d-low", Status: models.DeploymentActive,
		Traffic: models.TrafficCounters{Requests: 50, Errors: 40},
	}))
	require.NoError(t, store.CreateTrainingJob(ctx, &models.TrainingJob{
		ID: "t-stuck", Status: models.TrainingTraining, UpdatedAt: clock.Now().Add(-2 * time.Hour),
	}))

	collector := NewCollector(nil)
	am := NewAlertManager(store, nil, DefaultThresholds(),
		WithAlertClock(clock.Now),
		WithAlertCollector(collector),
		WithMemoryUsage(func() (float64, uint64, uint64) { return 91, 91, 100 }))

	raised, err := am.Evaluate(ctx)
	require.NoError(t, err)
	types := map[models.AlertType]models.Severity{}
	for _, a := range raised {
		types[a.Type] = a.Severity
	}
	assert.Equal(t, map[models.AlertType]models.Severity{
		models.AlertHighErrorRate:     models.SeverityWarning,
		models.AlertHighMemoryUsage:   models.SeverityWarning,
		models.AlertStuckTrainingJobs: models.SeverityWarning,
	}, types)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.alerts.WithLabelValues("high_error_rate", "warning")))

	// every evaluation records breaches afresh
	again, err := am.Evaluate(ctx)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	history, err := am.AlertHistory(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestDatabaseAlert(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	store.SetPingError(errors.New("connection refused"))
	bus := events.NewBus()
	var emitted []events.Event
	bus.Subscribe(events.AlertRaised, "test", func(ctx context.Context, e events.Event) error {
		emitted = append(emitted, e)
		return nil
	})

	am := NewAlertManager(store, bus, DefaultThresholds())
	raised, err := am.Evaluate(ctx)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, models.AlertDatabaseConnectionErr, raised[0].Type)
	assert.Equal(t, models.SeverityError, raised[0].Severity)
	require.Len(t, emitted, 1)
	assert.Equal(t, raised[0].ID, emitted[0].Payload.(events.AlertEvent).Alert.ID)
}

func TestAcknowledgeKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	am := NewAlertManager(store, nil, DefaultThresholds())

	a := &models.Alert{Type: models.AlertHighMemoryUsage, Severity: models.SeverityWarning, Title: "High Memory Usage"}
	require.NoError(t, am.Raise(ctx, a))

	active, err := am.ActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	acked, err := am.Acknowledge(ctx, a.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "admin-1", acked.AcknowledgedBy)

	active, err = am.ActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	history, err := am.AlertHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHealthMonitorPollsUntilUnwatched(t *testing.T) {
	store := repository.NewMemory()
	svc := service.NewDeploymentService(store, nopQueue{}, nil, nil)
	prober := &stubProber{status: models.HealthHealthy}
	monitor := NewHealthMonitor(prober, svc, 10*time.Millisecond)
	defer monitor.Stop()
	svc.SetHealthWatcher(monitor)

	d := activeDeployment(t, svc)
	require.Eventually(t, func() bool { return prober.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	got, err := svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, got.HealthStatus)

	_, err = svc.UpdateStatus(context.Background(), d.ID, statemachine.StatusReport{Status: "failed"})
	require.NoError(t, err)
	assert.False(t, monitor.Watching(d.ID))
	assert.Equal(t, 0, monitor.Count())
}

func TestHealthMonitorDropsDeletedDeployment(t *testing.T) {
	store := repository.NewMemory()
	svc := service.NewDeploymentService(store, nopQueue{}, nil, nil)
	monitor := NewHealthMonitor(&stubProber{status: models.HealthHealthy}, svc, 10*time.Millisecond)
	defer monitor.Stop()

	monitor.Watch(models.Deployment{ID: "gone", Endpoint: "http://gone.local"})
	require.Eventually(t, func() bool { return !monitor.Watching("gone") }, time.Second, 5*time.Millisecond)
}

func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(&stubProber{status: models.HealthHealthy}, nil, time.Hour)
	monitor.Watch(models.Deployment{ID: "a", Endpoint: "http://a"})
	monitor.Watch(models.Deployment{ID: "b", Endpoint: "http://b"})
	monitor.Watch(models.Deployment{ID: "c"})
	assert.Equal(t, 2, monitor.Count())

	monitor.Stop()
	assert.Equal(t, 0, monitor.Count())
	monitor.Watch(models.Deployment{ID: "a", Endpoint: "http://a"})
	assert.Equal(t, 0, monitor.Count())
}

type fixedPrice float64

func (p fixedPrice) HourlyPrice(ctx context.Context, instanceType string) (float64, error) {
	return float64(p), nil
}

func TestCostTrackerAccrue(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := repository.NewMemory()
	deployed := clock.Now().Add(-10 * time.Hour)
	ended := clock.Now().Add(-time.Hour)
	longAgo := clock.Now().Add(-72 * time.Hour)

	require.NoError(t, store.CreateDeployment(ctx, &models.Deployment{
		ID: "d1", Status: models.DeploymentActive, DeployedAt: &deployed,
		ScalingConfig: models.ScalingConfig{MinInstances: 2, MaxInstances: 3},
		Traffic:       models.TrafficCounters{Requests: 1000},
	}))
	require.NoError(t, store.CreateTrainingJob(ctx, &models.TrainingJob{
		ID: "t1", Status: models.TrainingCompleted, EndedAt: &ended, DurationSeconds: 7200,
		DatasetInfo: map[string]interface{}{"size": 10.0},
	}))
	require.NoError(t, store.CreateTrainingJob(ctx, &models.TrainingJob{
		ID: "t-old", Status: models.TrainingCompleted, EndedAt: &longAgo, DurationSeconds: 7200,
	}))

	svcT := service.NewTrainingService(store, nopQueue{}, nil, nil)
	svcD := service.NewDeploymentService(store, nopQueue{}, nil, nil)
	collector := NewCollector(nil)
	tracker := NewCostTracker(NewCostCalculator(fixedPrice(0.5), "ml.m5.large"), svcT, svcD, collector).WithClock(clock.Now)
	require.NoError(t, tracker.Accrue(ctx))

	d, err := store.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5*2*10+1000*0.001*0.09, d.Cost, 1e-9)

	job, err := store.GetTrainingJob(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.01*2+0.001*10, job.Cost, 1e-9)

	old, err := store.GetTrainingJob(ctx, "t-old")
	require.NoError(t, err)
	assert.Zero(t, old.Cost)
	assert.InDelta(t, d.Cost, testutil.ToFloat64(collector.cost.WithLabelValues("deployment")), 1e-9)
}

func TestCostCalculatorFallsBackToStaticPrice(t *testing.T) {
	calc := NewCostCalculator(nil, "ml.m5.xlarge")
	assert.Equal(t, 0.268, calc.hourlyRate(context.Background()))
	calc = NewCostCalculator(nil, "ml.unknown")
	assert.Equal(t, 0.134, calc.hourlyRate(context.Background()))
}

func TestSystemHealthSweep(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	collector := NewCollector(nil)
	sh := NewSystemHealth(store, collector).
		Add("database", store.Ping).
		Add("mlPipeline", func(ctx context.Context) error { return errors.New("timeout") })

	report, err := sh.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, report.Status)
	assert.Equal(t, "healthy", report.Checks["database"])
	assert.Equal(t, "unhealthy", report.Checks["mlPipeline"])
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.health.WithLabelValues("mlPipeline")))

	samples := store.MetricSamples("system_health")
	require.Len(t, samples, 1)
	assert.Equal(t, "degraded", samples[0].Value["status"])

	ready, checks := sh.Ready(ctx, "database")
	assert.True(t, ready)
	assert.Equal(t, map[string]string{"database": "healthy"}, checks)
}

func TestAuditListenerRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	bus := events.NewBus()
	unsubscribe := NewAuditListener(store).Register(bus)
	defer unsubscribe()

	svc := service.NewTrainingService(store, nopQueue{}, bus, nil)
	job, err := svc.Create(ctx, service.CreateTrainingRequest{OwnerID: "U1", ModelID: "m1", Hyperparameters: map[string]interface{}{"lr": 0.1}})
	require.NoError(t, err)
	_, err = svc.Fail(ctx, job.ID, models.ErrorDetail{Message: "boom"})
	require.NoError(t, err)

	recs, err := store.ListAuditRecords(ctx, models.DomainTraining, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	outcomes := []string{recs[0].Outcome, recs[1].Outcome}
	assert.ElementsMatch(t, []string{"success", "failure"}, outcomes)
}

func TestCollectorRecordsQueueMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.RecordEnqueue(models.DomainTraining)
	c.RecordEnqueue(models.DomainTraining)
	c.RecordDead(models.DomainEvaluation)
	c.UpdateQueueStats(models.DomainDeployment, 3, 1, 2, 0)
	c.RecordSweep("stuck_jobs", time.Second, errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.enqueued.WithLabelValues("training")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dead.WithLabelValues("evaluation")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.depth.WithLabelValues("deployment", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweeps.WithLabelValues("stuck_jobs", "error")))
}
