package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"ml-orchestrator/api/rest/routes"
	"ml-orchestrator/config"
	"ml-orchestrator/core/events"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/monitoring"
	"ml-orchestrator/core/pipeline"
	"ml-orchestrator/core/processor"
	"ml-orchestrator/core/queue"
	"ml-orchestrator/core/realtime"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/scheduler"
	"ml-orchestrator/core/service"
	"ml-orchestrator/providers/aws"
)

// storage is the record store together with the queue backend living next to it
type storage struct {
	fx.Out

	Store        repository.Store
	QueueBackend queue.Backend
}

func provideStorage(lc fx.Lifecycle, cfg *config.Config) (storage, error) {
	if cfg.StoreBackend == config.StoreMemory {
		logger.Warnf("Using in-memory store; records are lost on restart")
		return storage{Store: repository.NewMemory(), QueueBackend: queue.NewMemoryBackend()}, nil
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return storage{}, err
	}
	logger.Infof("Database connected successfully")
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
	return storage{Store: repository.NewPostgres(db), QueueBackend: queue.NewPostgresBackend(db.DB)}, nil
}

func provideAWS(ctx context.Context, cfg *config.Config) (*aws.Client, error) {
	if !cfg.UseAWS() {
		return nil, nil
	}
	return aws.NewClient(ctx, cfg.AWS)
}

// backends picks where deployments are hosted and probed
type backends struct {
	fx.Out

	Deployer pipeline.DeploymentBackend
	Prober   pipeline.HealthProber
}

func provideBackends(cfg *config.Config, pc *pipeline.Client, ac *aws.Client) backends {
	if cfg.DeploymentBackend == config.BackendSageMaker {
		sm := ac.SageMaker()
		return backends{Deployer: sm, Prober: sm}
	}
	return backends{Deployer: pc, Prober: pc}
}

func provideQueue(cfg *config.Config, backend queue.Backend, collector *monitoring.Collector) *queue.Queue {
	return queue.New(backend, cfg.Queue, queue.WithRecorder(collector))
}

func provideCollector() *monitoring.Collector {
	return monitoring.NewCollector(nil)
}

func provideRegistry(collector *monitoring.Collector) *realtime.Registry {
	return realtime.NewRegistry(realtime.WithConnectionObserver(collector.SetConnections))
}

func provideTrainingService(cfg *config.Config, store repository.Store, q *queue.Queue, bus *events.Bus, pc *pipeline.Client) *service.TrainingService {
	return service.NewTrainingService(store, q, bus, pc, service.WithCancelTimeout(cfg.Timeouts.Cancel))
}

func provideEvaluationService(store repository.Store, q *queue.Queue, bus *events.Bus) *service.EvaluationService {
	return service.NewEvaluationService(store, q, bus)
}

func provideDeploymentService(store repository.Store, q *queue.Queue, bus *events.Bus, deployer pipeline.DeploymentBackend, hm *monitoring.HealthMonitor) *service.DeploymentService {
	svc := service.NewDeploymentService(store, q, bus, deployer)
	svc.SetHealthWatcher(hm)
	return svc
}

// The health monitor records through the deployment service, which in turn
// starts and stops pollers, so the recorder is bound after construction.
type healthRecorder struct {
	svc *service.DeploymentService
}

func (r *healthRecorder) RecordHealth(ctx context.Context, id string, h models.HealthStatus) (*models.Deployment, error) {
	return r.svc.RecordHealth(ctx, id, h)
}

func provideHealthMonitor(cfg *config.Config, prober pipeline.HealthProber) (*monitoring.HealthMonitor, *healthRecorder) {
	rec := &healthRecorder{}
	return monitoring.NewHealthMonitor(prober, rec, cfg.HealthPollInterval), rec
}

func provideAlertManager(cfg *config.Config, store repository.Store, bus *events.Bus, collector *monitoring.Collector) *monitoring.AlertManager {
	return monitoring.NewAlertManager(store, bus, cfg.Thresholds, monitoring.WithAlertCollector(collector))
}

func provideSystemHealth(store repository.Store, collector *monitoring.Collector, pc *pipeline.Client, ac *aws.Client) *monitoring.SystemHealth {
	sh := monitoring.NewSystemHealth(store, collector).
		Add("database", store.Ping).
		Add("mlPipeline", pc.Ping)
	if ac != nil {
		sh.Add("aws", ac.Ping)
	}
	return sh
}

func provideCostTracker(cfg *config.Config, ac *aws.Client, training *service.TrainingService, deployments *service.DeploymentService, collector *monitoring.Collector) *monitoring.CostTracker {
	var prices monitoring.PriceSource
	if ac != nil {
		prices = ac.Prices()
	}
	return monitoring.NewCostTracker(monitoring.NewCostCalculator(prices, cfg.AWS.InstanceType), training, deployments, collector)
}

type schedulerParams struct {
	fx.In

	Config    *config.Config
	Store     repository.Store
	Queue     *queue.Queue
	Collector *monitoring.Collector
	Health    *monitoring.SystemHealth
	Costs     *monitoring.CostTracker
	Alerts    *monitoring.AlertManager
	Training  *service.TrainingService
}

func provideScheduler(p schedulerParams) *scheduler.Scheduler {
	sc := p.Config.Scheduler
	return scheduler.NewScheduler(p.Collector).
		Add(scheduler.TaskHealth, sc.HealthInterval, scheduler.Discard(p.Health.Sweep)).
		Add(scheduler.TaskCost, sc.CostInterval, p.Costs.Accrue).
		Add(scheduler.TaskStuckJobs, sc.StuckInterval, scheduler.StuckJobSweep(p.Training, sc.StuckThreshold, time.Now)).
		Add(scheduler.TaskRetention, sc.RetentionInterval, scheduler.RetentionSweep(p.Store, sc.LogRetention, sc.RecordRetention, time.Now)).
		Add(scheduler.TaskAlerts, sc.AlertInterval, scheduler.Discard(p.Alerts.Evaluate)).
		Add(scheduler.TaskStalled, sc.StallInterval, scheduler.StalledSweep(p.Queue))
}

type routerParams struct {
	fx.In

	Config      *config.Config
	Training    *service.TrainingService
	Evaluations *service.EvaluationService
	Deployments *service.DeploymentService
	Alerts      *monitoring.AlertManager
	Health      *monitoring.SystemHealth
	Collector   *monitoring.Collector
	Queue       *queue.Queue
	Registry    *realtime.Registry
	AWS         *aws.Client
}

func provideRouter(p routerParams) http.Handler {
	ready := []string{"database"}
	if p.AWS != nil && p.Config.DeploymentBackend == config.BackendSageMaker {
		ready = append(ready, "aws")
	}
	return routes.NewRouter(routes.Deps{
		Training:       p.Training,
		Evaluations:    p.Evaluations,
		Deployments:    p.Deployments,
		Alerts:         p.Alerts,
		Health:         p.Health,
		Collector:      p.Collector,
		Queue:          p.Queue,
		Registry:       p.Registry,
		Auth:           realtime.NewJWTAuthenticator(p.Config.JWTSecret),
		PipelineKey:    p.Config.PipelineKey,
		AllowedOrigins: p.Config.AllowedOrigins,
		ReadyChecks:    ready,
	})
}

// coreModule builds every component without starting anything
func coreModule(ctx context.Context, cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			func() context.Context { return ctx },
			provideStorage,
			provideAWS,
			func() *pipeline.Client { return pipeline.NewClient(cfg.PipelineURL) },
			provideBackends,
			func() *events.Bus { return events.NewBus() },
			provideCollector,
			provideQueue,
			provideRegistry,
			provideHealthMonitor,
			provideTrainingService,
			provideEvaluationService,
			provideDeploymentService,
			provideAlertManager,
			provideSystemHealth,
			provideCostTracker,
			provideScheduler,
			func(training *service.TrainingService, pc *pipeline.Client) *processor.TrainingProcessor {
				return processor.NewTrainingProcessor(training, pc, cfg.Timeouts.Training)
			},
			func(evals *service.EvaluationService, pc *pipeline.Client) *processor.EvaluationProcessor {
				return processor.NewEvaluationProcessor(evals, pc, cfg.Timeouts.Evaluation)
			},
			func(deps *service.DeploymentService, deployer pipeline.DeploymentBackend) *processor.DeploymentProcessor {
				return processor.NewDeploymentProcessor(deps, deployer, cfg.Timeouts.Deployment)
			},
		),
		fx.Invoke(bindHealthRecorder),
	)
}

func bindHealthRecorder(rec *healthRecorder, svc *service.DeploymentService) {
	rec.svc = svc
}

// wireListeners connects processors to the queue and listeners to the bus
func wireListeners(
	lc fx.Lifecycle,
	q *queue.Queue,
	tp *processor.TrainingProcessor,
	ep *processor.EvaluationProcessor,
	dp *processor.DeploymentProcessor,
	bus *events.Bus,
	reg *realtime.Registry,
	store repository.Store,
	alerts *monitoring.AlertManager,
) {
	processor.Register(q, tp, ep, dp)

	unbridge := realtime.Bridge(bus, reg)
	unaudit := monitoring.NewAuditListener(store).Register(bus)
	unalert := alerts.Subscribe(func(a models.Alert) {
		logger.Warnf("Alert %s [%s]: %s", a.Type, a.Severity, a.Message)
	})
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		unalert()
		unaudit()
		unbridge()
		return nil
	}})
}

// startWorkers runs the queue consumers, the sweeps and the deployment
// health pollers for the lifetime of the application
func startWorkers(
	lc fx.Lifecycle,
	q *queue.Queue,
	sched *scheduler.Scheduler,
	hm *monitoring.HealthMonitor,
	store repository.Store,
) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			q.Start(ctx)
			sched.Start(ctx)
			if err := hm.Resume(startCtx, store); err != nil {
				logger.Errorf("Failed to resume health polling: %v", err)
			}
			logger.Infof("Workers started: %d health pollers, sweeps %v", hm.Count(), sched.Tasks())
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sched.Stop()
			q.Stop()
			hm.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, reg *realtime.Registry) {
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			logger.Infof("Starting server on port %s", cfg.ServerPort)
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("Server failed: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Infof("Shutting down server...")
			reg.CloseAll()
			return server.Shutdown(ctx)
		},
	})
}
