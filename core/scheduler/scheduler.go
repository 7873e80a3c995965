package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ml-orchestrator/core/logger"
)

// TaskFunc is one run of a recurring sweep
type TaskFunc func(ctx context.Context) error

// SweepRecorder receives the outcome of every sweep run
type SweepRecorder interface {
	RecordSweep(task string, took time.Duration, err error)
}

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
	mu       sync.Mutex
}

// Scheduler runs named sweeps on fixed intervals. Every task has its own
// loop; a run of one task never delays another.
type Scheduler struct {
	tasks    map[string]*task
	recorder SweepRecorder

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(recorder SweepRecorder) *Scheduler {
	return &Scheduler{
		tasks:    make(map[string]*task),
		recorder: recorder,
	}
}

// Add registers a task. Tasks with a non-positive interval only run through
// RunOnce. Adding after Start has no effect on the running loops.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &task{name: name, interval: interval, run: fn}
	return s
}

// Tasks returns the registered task names, sorted
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one loop per task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopChan = make(chan struct{})
	for _, t := range s.tasks {
		if t.interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t, s.stopChan)
	}
	logger.Infof("scheduler started with %d tasks", len(s.tasks))
}

// Stop cancels the loops, including any sweep in progress, and waits for
// them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, stop := s.cancel, s.stopChan
	s.cancel, s.stopChan = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(stop)
	cancel()
	s.wg.Wait()
	logger.Infof("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *task, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = s.execute(ctx, t)
		}
	}
}

// RunOnce runs the named task a single time and returns its error
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	return s.execute(ctx, t)
}

// execute runs t, skipping the run when the previous one is still going.
// Panics are contained to the run.
func (s *Scheduler) execute(ctx context.Context, t *task) (err error) {
	if !t.mu.TryLock() {
		logger.Warnf("sweep %s still running; skipping this tick", t.name)
		return nil
	}
	defer t.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep %s panicked: %v", t.name, r)
		}
		took := time.Since(start)
		if err != nil {
			logger.Errorf("sweep %s failed after %s: %v", t.name, took, err)
		} else {
			logger.Debugf("sweep %s finished in %s", t.name, took)
		}
		if s.recorder != nil {
			s.recorder.RecordSweep(t.name, took, err)
		}
	}()
	return t.run(ctx)
}
