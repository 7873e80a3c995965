package models

import "time"

// AuditRecord is an entry in the audit trail written for lifecycle events
type AuditRecord struct {
	ID         string
	OwnerID    string
	Action     string
	EntityType Domain
	EntityID   string
	FromStatus string
	ToStatus   string
	Outcome    string // success | failure | warning
	Details    map[string]interface{}
	CreatedAt  time.Time
}

// MetricSample is a point-in-time measurement recorded by the scheduler
type MetricSample struct {
	ID         string
	Name       string
	Value      map[string]interface{}
	RecordedAt time.Time
}
