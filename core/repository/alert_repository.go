package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

const alertColumns = `id, type, severity, title, message, related_type, related_id, metadata,
	raised_at, acknowledged, acknowledged_by, acknowledged_at`

// AlertRepository persists raised alerts. Alerts are never deleted.
type AlertRepository struct {
	db *DB
}

func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) CreateAlert(ctx context.Context, a *models.Alert) error {
	query := `INSERT INTO alerts (` + alertColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var relatedType, relatedID sql.NullString
	if a.RelatedEntity != nil {
		relatedType = nullString(string(a.RelatedEntity.Type))
		relatedID = nullString(a.RelatedEntity.ID)
	}
	metadata, err := jsonArg(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.Type, a.Severity, a.Title, a.Message, relatedType, relatedID, metadata,
		a.RaisedAt, a.Acknowledged, nullString(a.AcknowledgedBy), nullTime(a.AcknowledgedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func scanAlert(row scanner) (*models.Alert, error) {
	var a models.Alert
	var relatedType, relatedID, ackBy sql.NullString
	var ackAt sql.NullTime
	var metadata []byte
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Title, &a.Message, &relatedType, &relatedID, &metadata,
		&a.RaisedAt, &a.Acknowledged, &ackBy, &ackAt)
	if err != nil {
		return nil, err
	}
	if relatedID.Valid {
		a.RelatedEntity = &models.EntityRef{Type: models.Domain(relatedType.String), ID: relatedID.String}
	}
	a.AcknowledgedBy = ackBy.String
	a.AcknowledgedAt = timePtr(ackAt)
	if err := decodeJSON(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode alert metadata: %w", err)
	}
	return &a, nil
}

// ListAlerts returns alerts newest first
func (r *AlertRepository) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if f.ActiveOnly {
		query += ` WHERE acknowledged = FALSE`
	}
	query += ` ORDER BY raised_at DESC`
	var args []interface{}
	if f.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert marks an alert handled. Acknowledging twice keeps the
// first acknowledgement.
func (r *AlertRepository) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*models.Alert, error) {
	const op = "repository.AcknowledgeAlert"
	if !validID(id) {
		return nil, apperr.NotFound(op, "alert", id)
	}
	query := `
		UPDATE alerts SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND acknowledged = FALSE
		RETURNING ` + alertColumns
	a, err := scanAlert(r.db.QueryRowContext(ctx, query, id, by, at))
	if errors.Is(err, sql.ErrNoRows) {
		a, err = scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound(op, "alert", id)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}
