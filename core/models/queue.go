package models

import "time"

// QueueItem is a unit of queued work for one job. The work queue owns it until
// a processor claims it.
type QueueItem struct {
	ID             string
	Domain         Domain
	JobID          string
	OwnerID        string
	Payload        map[string]interface{}
	Attempt        int
	MaxAttempts    int
	NotBefore      time.Time
	ClaimedAt      *time.Time
	Stalls         int
	LastError      string
	DeadLetteredAt *time.Time
	CreatedAt      time.Time
}

// Ready reports whether the item may be claimed at now
func (q *QueueItem) Ready(now time.Time) bool {
	return q.ClaimedAt == nil && q.DeadLetteredAt == nil && !q.NotBefore.After(now)
}
