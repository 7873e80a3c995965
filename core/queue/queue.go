// Package queue is the durable work queue. One consumer loop per domain claims
// ready items keyed on jobId, runs the registered Handler and applies the
// retry, backoff and dead-letter policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
)

// Handler processes items of one domain
type Handler interface {
	// Handle advances the job referenced by item. Errors are classified with
	// apperr: not-found discards, terminal/validation/conflict dead-letter,
	// anything else is retried with backoff.
	Handle(ctx context.Context, item models.QueueItem) error
	// Exhausted runs once when item is dead-lettered so the entity can be
	// moved to its failed status. It must be idempotent.
	Exhausted(ctx context.Context, item models.QueueItem, cause error)
}

// Recorder receives queue metrics
type Recorder interface {
	RecordEnqueue(domain models.Domain)
	RecordDispatch(domain models.Domain)
	RecordCompleted(domain models.Domain, seconds float64)
	RecordRetry(domain models.Domain)
	RecordDead(domain models.Domain)
	UpdateQueueStats(domain models.Domain, ready, delayed, active, dead int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEnqueue(models.Domain)                        {}
func (nopRecorder) RecordDispatch(models.Domain)                       {}
func (nopRecorder) RecordCompleted(models.Domain, float64)             {}
func (nopRecorder) RecordRetry(models.Domain)                          {}
func (nopRecorder) RecordDead(models.Domain)                           {}
func (nopRecorder) UpdateQueueStats(models.Domain, int, int, int, int) {}

// Config holds the retry and polling policy
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	StallTimeout  time.Duration
	PollInterval  time.Duration
	Concurrency   int
}

// DefaultConfig is 3 attempts with 5s/10s/20s... backoff
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BackoffBase:   5 * time.Second,
		BackoffFactor: 2,
		StallTimeout:  10 * time.Minute,
		PollInterval:  time.Second,
		Concurrency:   1,
	}
}

// Backoff is the delay before retry number attempt (1-based)
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(c.BackoffBase) * math.Pow(c.BackoffFactor, float64(attempt-1)))
}

// Queue dispatches queue items to domain handlers
type Queue struct {
	backend  Backend
	cfg      Config
	now      func() time.Time
	recorder Recorder

	mu       sync.RWMutex
	handlers map[models.Domain]Handler
	inflight map[string]struct{}

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

func New(backend Backend, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	q := &Queue{
		backend:  backend,
		cfg:      cfg,
		now:      time.Now,
		recorder: nopRecorder{},
		handlers: make(map[models.Domain]Handler),
		inflight: make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register sets the handler for domain
func (q *Queue) Register(domain models.Domain, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[domain] = h
}

func (q *Queue) handler(domain models.Domain) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[domain]
}

// Enqueue accepts work for jobID. The item is ready immediately.
func (q *Queue) Enqueue(ctx context.Context, domain models.Domain, jobID, ownerID string, payload map[string]interface{}) (*models.QueueItem, error) {
	if !domain.Valid() {
		return nil, apperr.Validation("queue.Enqueue", "unknown domain %q", domain)
	}
	if jobID == "" {
		return nil, apperr.Validation("queue.Enqueue", "jobId is required")
	}
	now := q.now()
	item := &models.QueueItem{
		ID:          uuid.New().String(),
		Domain:      domain,
		JobID:       jobID,
		OwnerID:     ownerID,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: q.cfg.MaxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
	}
	if err := q.backend.Push(ctx, item); err != nil {
		return nil, err
	}
	q.recorder.RecordEnqueue(domain)
	logger.Debugf("Enqueued %s item %s for job %s", domain, item.ID, jobID)
	return item, nil
}

// ProcessNext claims and handles at most one ready item of domain. It reports
// whether an item was processed.
func (q *Queue) ProcessNext(ctx context.Context, domain models.Domain) (bool, error) {
	h := q.handler(domain)
	if h == nil {
		return false, fmt.Errorf("queue: no handler registered for %s", domain)
	}
	item, err := q.backend.Claim(ctx, domain, q.now())
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	q.setInflight(item.ID, true)
	defer q.setInflight(item.ID, false)
	q.recorder.RecordDispatch(domain)

	start := q.now()
	hctx, cancel := context.WithTimeout(ctx, q.cfg.StallTimeout)
	herr := q.safeHandle(hctx, h, *item)
	cancel()

	q.settle(context.WithoutCancel(ctx), h, item, herr, start)
	return true, nil
}

func (q *Queue) safeHandle(ctx context.Context, h Handler, item models.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, item)
}

func (q *Queue) settle(ctx context.Context, h Handler, item *models.QueueItem, herr error, start time.Time) {
	switch {
	case herr == nil:
		if err := q.backend.Ack(ctx, item.ID); err != nil {
			logger.Errorf("Failed to ack %s item %s: %v", item.Domain, item.ID, err)
		}
		q.recorder.RecordCompleted(item.Domain, q.now().Sub(start).Seconds())

	case apperr.IsNotFound(herr):
		logger.Warnf("Discarding %s item %s: %v", item.Domain, item.ID, herr)
		if err := q.backend.Ack(ctx, item.ID); err != nil {
			logger.Errorf("Failed to discard %s item %s: %v", item.Domain, item.ID, err)
		}

	case permanent(herr):
		item.Attempt++
		q.deadLetter(ctx, h, item, herr)

	default:
		item.Attempt++
		if item.Attempt < item.MaxAttempts {
			item.NotBefore = q.now().Add(q.cfg.Backoff(item.Attempt))
			item.LastError = herr.Error()
			if err := q.backend.Reschedule(ctx, item); err != nil {
				if errors.Is(err, ErrClaimLost) {
					logger.Warnf("%s item %s was reclaimed before its retry was recorded", item.Domain, item.ID)
					return
				}
				logger.Errorf("Failed to reschedule %s item %s: %v", item.Domain, item.ID, err)
				return
			}
			q.recorder.RecordRetry(item.Domain)
			logger.Warnf("%s item %s for job %s failed (attempt %d/%d), retrying at %s: %v",
				item.Domain, item.ID, item.JobID, item.Attempt, item.MaxAttempts, item.NotBefore.Format(time.RFC3339), herr)
			return
		}
		q.deadLetter(ctx, h, item, herr)
	}
}

func permanent(err error) bool {
	return errors.Is(err, apperr.ErrTerminal) ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrStateConflict)
}

// deadLetter reports false when the claim was lost and the item left alone
func (q *Queue) deadLetter(ctx context.Context, h Handler, item *models.QueueItem, cause error) bool {
	item.LastError = cause.Error()
	if err := q.backend.DeadLetter(ctx, item, q.now()); err != nil {
		if errors.Is(err, ErrClaimLost) {
			logger.Debugf("%s item %s already handled elsewhere, not dead-lettering", item.Domain, item.ID)
			return false
		}
		logger.Errorf("Failed to dead-letter %s item %s: %v", item.Domain, item.ID, err)
	}
	q.recorder.RecordDead(item.Domain)
	logger.Errorf("%s item %s for job %s dead-lettered after %d attempt(s): %v",
		item.Domain, item.ID, item.JobID, item.Attempt, cause)
	if h != nil {
		h.Exhausted(ctx, *item, cause)
	}
	return true
}

func (q *Queue) setInflight(id string, on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if on {
		q.inflight[id] = struct{}{}
	} else {
		delete(q.inflight, id)
	}
}

func (q *Queue) isInflight(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.inflight[id]
	return ok
}

// SweepStalled requeues items claimed longer than the stall timeout once, then
// dead-letters them. Items this process is still handling are skipped. Every
// release is conditional on the claim the sweep read, so a concurrent sweeper
// or a fresh claim wins over a stale view. The queue gauges are refreshed
// afterwards.
func (q *Queue) SweepStalled(ctx context.Context) (int, error) {
	now := q.now()
	stalled, err := q.backend.Stalled(ctx, now.Add(-q.cfg.StallTimeout))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range stalled {
		if q.isInflight(item.ID) {
			continue
		}
		if item.Stalls > 0 {
			if q.deadLetter(ctx, q.handler(item.Domain), item, errors.New("item stalled twice")) {
				n++
			}
			continue
		}
		item.Stalls = 1
		item.NotBefore = now
		item.LastError = "stalled"
		if err := q.backend.Reschedule(ctx, item); err != nil {
			if errors.Is(err, ErrClaimLost) {
				logger.Debugf("Stalled %s item %s already handled elsewhere", item.Domain, item.ID)
				continue
			}
			logger.Errorf("Failed to requeue stalled %s item %s: %v", item.Domain, item.ID, err)
			continue
		}
		n++
		logger.Warnf("Requeued stalled %s item %s for job %s", item.Domain, item.ID, item.JobID)
	}
	if _, err := q.Stats(ctx); err != nil {
		logger.Warnf("Queue stats refresh failed: %v", err)
	}
	return n, nil
}

// DeadLetters lists dead-lettered items, newest first. An empty domain lists all.
func (q *Queue) DeadLetters(ctx context.Context, domain models.Domain, limit int) ([]*models.QueueItem, error) {
	return q.backend.DeadLetters(ctx, domain, limit)
}

// Redrive puts a dead-lettered item back in the ready set
func (q *Queue) Redrive(ctx context.Context, id string) (*models.QueueItem, error) {
	item, err := q.backend.Redrive(ctx, id, q.now())
	if err != nil {
		return nil, err
	}
	logger.Infof("Redrove %s item %s for job %s", item.Domain, item.ID, item.JobID)
	return item, nil
}

// Stats returns per-domain counts and refreshes the recorder gauges
func (q *Queue) Stats(ctx context.Context) (map[models.Domain]Stats, error) {
	stats, err := q.backend.Stats(ctx, q.now())
	if err != nil {
		return nil, err
	}
	for _, d := range models.Domains {
		s := stats[d]
		q.recorder.UpdateQueueStats(d, s.Ready, s.Delayed, s.Active, s.DeadLettered)
	}
	return stats, nil
}

// Start runs Concurrency consumer loops per registered domain until ctx is
// cancelled or Stop is called. Stall recovery is left to whoever schedules
// SweepStalled.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-q.stopChan:
		case <-ctx.Done():
		}
		cancel()
	}()

	q.mu.RLock()
	domains := make([]models.Domain, 0, len(q.handlers))
	for d := range q.handlers {
		domains = append(domains, d)
	}
	q.mu.RUnlock()

	for _, d := range domains {
		for i := 0; i < q.cfg.Concurrency; i++ {
			q.wg.Add(1)
			go q.consume(ctx, d)
		}
		logger.Infof("Queue consumer started for %s (concurrency %d)", d, q.cfg.Concurrency)
	}
}

// Stop signals all loops and waits for in-flight items to settle
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopChan) })
	q.wg.Wait()
}

func (q *Queue) consume(ctx context.Context, domain models.Domain) {
	defer q.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := q.ProcessNext(ctx, domain)
		if err != nil {
			logger.Errorf("Queue consumer %s: %v", domain, err)
		}
		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(q.cfg.PollInterval)
		}
	}
}
