package monitoring

import (
	"context"
	"sync"
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/pipeline"
	"ml-orchestrator/core/repository"
)

// HealthRecorder stores probe results; the deployment service implements it
type HealthRecorder interface {
	RecordHealth(ctx context.Context, id string, h models.HealthStatus) (*models.Deployment, error)
}

type poller struct {
	endpoint string
	cancel   context.CancelFunc
	done     chan struct{}
}

// HealthMonitor runs one cancellable poller per active deployment. Pollers
// are started by Watch when a deployment enters active and cancelled by
// Unwatch when it leaves active or is deleted.
type HealthMonitor struct {
	prober   pipeline.HealthProber
	recorder HealthRecorder
	interval time.Duration

	mu      sync.Mutex
	pollers map[string]*poller
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHealthMonitor(prober pipeline.HealthProber, recorder HealthRecorder, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		prober:   prober,
		recorder: recorder,
		interval: interval,
		pollers:  make(map[string]*poller),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts polling d. Watching an already polled deployment with the same
// endpoint keeps the existing poller.
func (hm *HealthMonitor) Watch(d models.Deployment) {
	if d.Endpoint == "" {
		logger.Warnf("deployment %s has no endpoint; not polling health", d.ID)
		return
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.ctx.Err() != nil {
		return
	}
	if p, ok := hm.pollers[d.ID]; ok {
		if p.endpoint == d.Endpoint {
			return
		}
		p.cancel()
	}

	ctx, cancel := context.WithCancel(hm.ctx)
	p := &poller{endpoint: d.Endpoint, cancel: cancel, done: make(chan struct{})}
	hm.pollers[d.ID] = p
	go hm.run(ctx, d.ID, d.Endpoint, p)
	logger.Infof("health polling started for deployment %s every %s", d.ID, hm.interval)
}

// Unwatch cancels the poller of a deployment, if any
func (hm *HealthMonitor) Unwatch(id string) {
	hm.mu.Lock()
	p, ok := hm.pollers[id]
	if ok {
		delete(hm.pollers, id)
	}
	hm.mu.Unlock()
	if ok {
		p.cancel()
		logger.Infof("health polling stopped for deployment %s", id)
	}
}

// Watching reports whether id has a live poller
func (hm *HealthMonitor) Watching(id string) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	_, ok := hm.pollers[id]
	return ok
}

func (hm *HealthMonitor) Count() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.pollers)
}

// Resume watches every active deployment, e.g. after a restart
func (hm *HealthMonitor) Resume(ctx context.Context, store repository.DeploymentStore) error {
	list, err := store.ListDeployments(ctx, repository.DeploymentFilter{Statuses: []models.DeploymentStatus{models.DeploymentActive}})
	if err != nil {
		return err
	}
	for _, d := range list {
		hm.Watch(*d)
	}
	return nil
}

// Stop cancels every poller and waits for them to exit
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	hm.cancel()
	pollers := make([]*poller, 0, len(hm.pollers))
	for id, p := range hm.pollers {
		pollers = append(pollers, p)
		delete(hm.pollers, id)
	}
	hm.mu.Unlock()
	for _, p := range pollers {
		<-p.done
	}
}

func (hm *HealthMonitor) run(ctx context.Context, id, endpoint string, p *poller) {
	defer close(p.done)
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := hm.PollOnce(ctx, id, endpoint); apperr.IsNotFound(err) {
				hm.release(id, p)
				return
			}
		}
	}
}

// release drops the registry entry of p if it is still the current poller
func (hm *HealthMonitor) release(id string, p *poller) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if cur, ok := hm.pollers[id]; ok && cur == p {
		delete(hm.pollers, id)
		p.cancel()
	}
}

// PollOnce probes endpoint and records the result on deployment id
func (hm *HealthMonitor) PollOnce(ctx context.Context, id, endpoint string) error {
	status, err := hm.prober.ProbeHealth(ctx, endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debugf("health probe of deployment %s failed: %v", id, err)
		status = models.HealthUnhealthy
	}
	if _, err := hm.recorder.RecordHealth(ctx, id, status); err != nil {
		if !apperr.IsNotFound(err) {
			logger.Warnf("failed to record health of deployment %s: %v", id, err)
		}
		return err
	}
	return nil
}
