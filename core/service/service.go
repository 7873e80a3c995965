// Package service owns the lifecycle of training jobs, evaluations and
// deployments: creation and enqueueing, the pipeline callback surface and
// user-initiated operations. All state changes go through the state machines
// and are written with an optimistic version guard.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/statemachine"
)

const maxUpdateAttempts = 3

// Enqueuer accepts work for a domain
type Enqueuer interface {
	Enqueue(ctx context.Context, domain models.Domain, jobID, ownerID string, payload map[string]interface{}) (*models.QueueItem, error)
}

// HealthWatcher polls active deployments. Watch is called when a deployment
// enters active and Unwatch on every exit from active or on deletion.
type HealthWatcher interface {
	Watch(d models.Deployment)
	Unwatch(deploymentID string)
}

// DefaultCancelTimeout bounds the best-effort pipeline cancel
const DefaultCancelTimeout = 10 * time.Second

type options struct {
	now           func() time.Time
	cancelTimeout time.Duration
}

type Option func(*options)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCancelTimeout bounds how long Cancel waits on the pipeline before
// applying the local cancel. Non-positive values keep the default.
func WithCancelTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cancelTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, cancelTimeout: DefaultCancelTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// mutate reads a record, derives an update with fn and writes it guarded by
// the version that was read. A version conflict re-reads and retries.
// fn returning statemachine.ErrNoop leaves the record alone; before and after
// are then the same record.
func mutate[T any, U any](
	ctx context.Context,
	id string,
	get func(context.Context, string) (*T, error),
	version func(*T) int64,
	update func(context.Context, string, int64, U) (*T, error),
	fn func(*T) (U, error),
) (before, after *T, err error) {
	for attempt := 1; ; attempt++ {
		cur, err := get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		upd, err := fn(cur)
		if err != nil {
			return cur, cur, err
		}
		next, err := update(ctx, id, version(cur), upd)
		if err == nil {
			return cur, next, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return cur, nil, err
		}
		logger.Debugf("record %s changed concurrently, retrying update (attempt %d)", id, attempt)
	}
}

// dropCallbackError swallows the outcomes a pipeline callback may legitimately
// produce on redelivery: a no-op re-apply or a transition that no longer fits.
func dropCallbackError(op, id string, err error) error {
	switch {
	case err == nil, errors.Is(err, statemachine.ErrNoop):
		return nil
	case apperr.IsConflict(err):
		logger.Warnf("%s: ignoring callback for %s: %v", op, id, err)
		return nil
	default:
		return err
	}
}

func isNoop(err error) bool {
	return errors.Is(err, statemachine.ErrNoop)
}

// toPayload flattens a typed queue payload into the map the queue stores
func toPayload(v interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := mapstructure.Decode(v, &out); err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}
	return out, nil
}
