package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

// MemoryBackend keeps queue items in process memory
type MemoryBackend struct {
	mu      sync.Mutex
	items   map[string]*models.QueueItem
	claimed map[string]string // jobId -> claimed item id
	seq     map[string]uint64
	next    uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		items:   make(map[string]*models.QueueItem),
		claimed: make(map[string]string),
		seq:     make(map[string]uint64),
	}
}

func (b *MemoryBackend) Push(ctx context.Context, item *models.QueueItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *item
	b.items[item.ID] = &cp
	b.next++
	b.seq[item.ID] = b.next
	return nil
}

func (b *MemoryBackend) Claim(ctx context.Context, domain models.Domain, now time.Time) (*models.QueueItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *models.QueueItem
	for _, it := range b.items {
		if it.Domain != domain || !it.Ready(now) {
			continue
		}
		if _, busy := b.claimed[it.JobID]; busy {
			continue
		}
		if best == nil || b.before(it, best) {
			best = it
		}
	}
	if best == nil {
		return nil, nil
	}
	claimedAt := now
	best.ClaimedAt = &claimedAt
	b.claimed[best.JobID] = best.ID
	cp := *best
	return &cp, nil
}

func (b *MemoryBackend) before(x, y *models.QueueItem) bool {
	if !x.NotBefore.Equal(y.NotBefore) {
		return x.NotBefore.Before(y.NotBefore)
	}
	return b.seq[x.ID] < b.seq[y.ID]
}

func (b *MemoryBackend) release(it *models.QueueItem) {
	if b.claimed[it.JobID] == it.ID {
		delete(b.claimed, it.JobID)
	}
	it.ClaimedAt = nil
}

func (b *MemoryBackend) Ack(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return nil
	}
	b.release(it)
	delete(b.items, id)
	delete(b.seq, id)
	return nil
}

func sameClaim(a, b *time.Time) bool {
	return a != nil && b != nil && a.Equal(*b)
}

func (b *MemoryBackend) Reschedule(ctx context.Context, item *models.QueueItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[item.ID]
	if !ok {
		return apperr.NotFound("queue.Reschedule", "queue item", item.ID)
	}
	if it.DeadLetteredAt != nil || !sameClaim(it.ClaimedAt, item.ClaimedAt) {
		return ErrClaimLost
	}
	b.release(it)
	it.Attempt = item.Attempt
	it.Stalls = item.Stalls
	it.NotBefore = item.NotBefore
	it.LastError = item.LastError
	return nil
}

func (b *MemoryBackend) DeadLetter(ctx context.Context, item *models.QueueItem, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[item.ID]
	if !ok {
		return apperr.NotFound("queue.DeadLetter", "queue item", item.ID)
	}
	if it.DeadLetteredAt != nil || !sameClaim(it.ClaimedAt, item.ClaimedAt) {
		return ErrClaimLost
	}
	b.release(it)
	it.Attempt = item.Attempt
	it.Stalls = item.Stalls
	it.LastError = item.LastError
	it.DeadLetteredAt = &at
	return nil
}

func (b *MemoryBackend) Stalled(ctx context.Context, claimedBefore time.Time) ([]*models.QueueItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.QueueItem
	for _, it := range b.items {
		if it.ClaimedAt != nil && it.DeadLetteredAt == nil && it.ClaimedAt.Before(claimedBefore) {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *MemoryBackend) DeadLetters(ctx context.Context, domain models.Domain, limit int) ([]*models.QueueItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.QueueItem
	for _, it := range b.items {
		if it.DeadLetteredAt == nil || (domain != "" && it.Domain != domain) {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.After(*out[j].DeadLetteredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) Redrive(ctx context.Context, id string, now time.Time) (*models.QueueItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok || it.DeadLetteredAt == nil {
		return nil, apperr.NotFound("queue.Redrive", "dead-lettered item", id)
	}
	it.DeadLetteredAt = nil
	it.Attempt = 0
	it.Stalls = 0
	it.NotBefore = now
	cp := *it
	return &cp, nil
}

func (b *MemoryBackend) Stats(ctx context.Context, now time.Time) (map[models.Domain]Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.Domain]Stats)
	for _, it := range b.items {
		s := out[it.Domain]
		switch {
		case it.DeadLetteredAt != nil:
			s.DeadLettered++
		case it.ClaimedAt != nil:
			s.Active++
		case it.NotBefore.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
		out[it.Domain] = s
	}
	return out, nil
}
