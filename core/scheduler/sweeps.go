package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
)

// Task names
const (
	TaskHealth    = "health"
	TaskCost      = "cost"
	TaskStuckJobs = "stuck_jobs"
	TaskRetention = "retention"
	TaskAlerts    = "alerts"
	TaskStalled   = "queue_stalled"
)

// Config holds sweep intervals and the thresholds they apply
type Config struct {
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	CostInterval      time.Duration `mapstructure:"cost_interval"`
	StuckInterval     time.Duration `mapstructure:"stuck_interval"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	AlertInterval     time.Duration `mapstructure:"alert_interval"`
	StallInterval     time.Duration `mapstructure:"stall_interval"`

	StuckThreshold  time.Duration `mapstructure:"stuck_threshold"`
	LogRetention    time.Duration `mapstructure:"log_retention"`
	RecordRetention time.Duration `mapstructure:"record_retention"`
}

func DefaultConfig() Config {
	return Config{
		HealthInterval:    5 * time.Minute,
		CostInterval:      time.Hour,
		StuckInterval:     15 * time.Minute,
		RetentionInterval: 24 * time.Hour,
		AlertInterval:     5 * time.Minute,
		StallInterval:     time.Minute,
		StuckThreshold:    time.Hour,
		LogRetention:      90 * 24 * time.Hour,
		RecordRetention:   30 * 24 * time.Hour,
	}
}

// TrainingCanceller lists and cancels training jobs
type TrainingCanceller interface {
	List(ctx context.Context, f repository.TrainingJobFilter) ([]*models.TrainingJob, error)
	Cancel(ctx context.Context, id string) (*models.TrainingJob, error)
}

// StuckJobSweep cancels training jobs that have sat in preprocessing or
// training without an update for longer than threshold. A failed cancel is
// reported but does not stop the sweep; the job is picked up again next run.
func StuckJobSweep(jobs TrainingCanceller, threshold time.Duration, now func() time.Time) TaskFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		stuck, err := jobs.List(ctx, repository.TrainingJobFilter{
			Statuses:      []models.TrainingStatus{models.TrainingTraining, models.TrainingPreprocessing},
			UpdatedBefore: now().Add(-threshold),
		})
		if err != nil {
			return fmt.Errorf("list stuck training jobs: %w", err)
		}

		var result *multierror.Error
		cancelled := 0
		for _, job := range stuck {
			if ctx.Err() != nil {
				result = multierror.Append(result, ctx.Err())
				break
			}
			logger.Warnf("training job %s stuck in %s since %s; cancelling", job.ID, job.Status, job.UpdatedAt.Format(time.RFC3339))
			if _, err := jobs.Cancel(ctx, job.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("cancel training job %s: %w", job.ID, err))
				continue
			}
			cancelled++
		}
		if len(stuck) > 0 {
			logger.Infof("stuck job sweep cancelled %d of %d jobs", cancelled, len(stuck))
		}
		return result.ErrorOrNil()
	}
}

// RetentionStore deletes aged audit records and metric samples
type RetentionStore interface {
	DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweep drops audit records older than logAge and metric samples
// older than recordAge
func RetentionSweep(store RetentionStore, logAge, recordAge time.Duration, now func() time.Time) TaskFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		var result *multierror.Error
		t := now()
		if n, err := store.DeleteAuditRecordsBefore(ctx, t.Add(-logAge)); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete audit records: %w", err))
		} else if n > 0 {
			logger.Infof("retention removed %d audit records", n)
		}
		if n, err := store.DeleteMetricSamplesBefore(ctx, t.Add(-recordAge)); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete metric samples: %w", err))
		} else if n > 0 {
			logger.Infof("retention removed %d metric samples", n)
		}
		return result.ErrorOrNil()
	}
}

// Sweeper is anything with a single-shot sweep returning a count
type Sweeper interface {
	SweepStalled(ctx context.Context) (int, error)
}

// StalledSweep returns claimed queue items whose worker went away
func StalledSweep(q Sweeper) TaskFunc {
	return func(ctx context.Context) error {
		n, err := q.SweepStalled(ctx)
		if n > 0 {
			logger.Warnf("requeued %d stalled queue items", n)
		}
		return err
	}
}

// Discard adapts a sweep whose result is only logged
func Discard[T any](fn func(ctx context.Context) (T, error)) TaskFunc {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}
