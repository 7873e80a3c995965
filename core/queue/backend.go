package queue

import (
	"context"
	"errors"
	"time"

	"ml-orchestrator/core/models"
)

// Stats counts queue items per state for one domain
type Stats struct {
	Ready        int `json:"ready"`
	Delayed      int `json:"delayed"`
	Active       int `json:"active"`
	DeadLettered int `json:"deadLettered"`
}

// ErrClaimLost is returned by Reschedule and DeadLetter when the item is no
// longer held under the claim the caller observed. Someone else already
// released or re-claimed it.
var ErrClaimLost = errors.New("queue: claim no longer held")

// Backend stores queue items. Claim must never hand out an item whose jobId
// already has a claimed, non-dead-lettered item.
type Backend interface {
	Push(ctx context.Context, item *models.QueueItem) error
	// Claim returns the oldest ready item of domain, or nil when none is ready
	Claim(ctx context.Context, domain models.Domain, now time.Time) (*models.QueueItem, error)
	// Ack removes a claimed item
	Ack(ctx context.Context, id string) error
	// Reschedule releases the claim recorded in item.ClaimedAt and stores
	// attempt, stalls, notBefore and lastError. It fails with ErrClaimLost
	// when the stored item carries a different claim or none.
	Reschedule(ctx context.Context, item *models.QueueItem) error
	// DeadLetter is conditional on item.ClaimedAt like Reschedule
	DeadLetter(ctx context.Context, item *models.QueueItem, at time.Time) error
	// Stalled lists items claimed before claimedBefore
	Stalled(ctx context.Context, claimedBefore time.Time) ([]*models.QueueItem, error)
	DeadLetters(ctx context.Context, domain models.Domain, limit int) ([]*models.QueueItem, error)
	// Redrive returns a dead-lettered item to the ready set with a fresh attempt budget
	Redrive(ctx context.Context, id string, now time.Time) (*models.QueueItem, error)
	Stats(ctx context.Context, now time.Time) (map[models.Domain]Stats, error)
}
