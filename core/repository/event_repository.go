package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/models"
)

// EventRepository handles the audit trail and recorded metric samples
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// CreateAuditRecord appends an audit record
func (r *EventRepository) CreateAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (id, owner_id, action, entity_type, entity_id, from_status, to_status, outcome, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	details, err := jsonArg(rec.Details)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, rec.Action, rec.EntityType, rec.EntityID,
		rec.FromStatus, rec.ToStatus, rec.Outcome, details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords retrieves the audit trail of one entity, newest first
func (r *EventRepository) ListAuditRecords(ctx context.Context, entityType models.Domain, entityID string, limit int) ([]*models.AuditRecord, error) {
	query := `
		SELECT id, owner_id, action, entity_type, entity_id, from_status, to_status, outcome, details, created_at
		FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var details []byte
		err := rows.Scan(
			&rec.ID,
			&rec.OwnerID,
			&rec.Action,
			&rec.EntityType,
			&rec.EntityID,
			&rec.FromStatus,
			&rec.ToStatus,
			&rec.Outcome,
			&details,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeJSON(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// DeleteAuditRecordsBefore removes audit records older than cutoff
func (r *EventRepository) DeleteAuditRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return res.RowsAffected()
}

func (r *EventRepository) CreateMetricSample(ctx context.Context, s *models.MetricSample) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	value, err := jsonArg(s.Value)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO metric_samples (id, name, value, recorded_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.Name, value, s.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

func (r *EventRepository) DeleteMetricSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM metric_samples WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete metric samples: %w", err)
	}
	return res.RowsAffected()
}
