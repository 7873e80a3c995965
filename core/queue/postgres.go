package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

const itemColumns = `id, domain, job_id, owner_id, payload, attempt, max_attempts, not_before,
	claimed_at, stalls, last_error, dead_lettered_at, created_at`

// uniqueViolation is the Postgres error code raised when two workers race to
// claim items of the same job
const uniqueViolation = "23505"

// PostgresBackend stores queue items in the queue_items table
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Push(ctx context.Context, item *models.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, domain, job_id, owner_id, payload, attempt, max_attempts, not_before, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.Domain, item.JobID, item.OwnerID, payload, item.Attempt, item.MaxAttempts, item.NotBefore, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("push queue item: %w", err)
	}
	return nil
}

func scanItem(row interface{ Scan(...interface{}) error }) (*models.QueueItem, error) {
	var it models.QueueItem
	var payload []byte
	var claimedAt, deadAt sql.NullTime
	err := row.Scan(&it.ID, &it.Domain, &it.JobID, &it.OwnerID, &payload, &it.Attempt, &it.MaxAttempts, &it.NotBefore,
		&claimedAt, &it.Stalls, &it.LastError, &deadAt, &it.CreatedAt)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		it.ClaimedAt = &claimedAt.Time
	}
	if deadAt.Valid {
		it.DeadLetteredAt = &deadAt.Time
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &it.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", it.ID, err)
		}
	}
	return &it, nil
}

// Claim locks the oldest ready item whose job has nothing in flight. The
// partial unique index on job_id rejects a concurrent second claim.
func (b *PostgresBackend) Claim(ctx context.Context, domain models.Domain, now time.Time) (*models.QueueItem, error) {
	query := `
		UPDATE queue_items SET claimed_at = $1
		WHERE id = (
			SELECT q.id FROM queue_items q
			WHERE q.domain = $2 AND q.claimed_at IS NULL AND q.dead_lettered_at IS NULL AND q.not_before <= $1
			  AND NOT EXISTS (
				SELECT 1 FROM queue_items c
				WHERE c.job_id = q.job_id AND c.claimed_at IS NOT NULL AND c.dead_lettered_at IS NULL
			  )
			ORDER BY q.not_before, q.created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns

	it, err := scanItem(b.db.QueryRowContext(ctx, query, now, domain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s item: %w", domain, err)
	}
	return it, nil
}

func (b *PostgresBackend) Ack(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack queue item: %w", err)
	}
	return nil
}

// Reschedule and DeadLetter only touch the row while it still carries the
// claim the caller read. A missing row and a changed claim both report
// ErrClaimLost.
func (b *PostgresBackend) Reschedule(ctx context.Context, item *models.QueueItem) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE queue_items SET claimed_at = NULL, attempt = $2, stalls = $3, not_before = $4, last_error = $5
		WHERE id = $1 AND claimed_at = $6 AND dead_lettered_at IS NULL`,
		item.ID, item.Attempt, item.Stalls, item.NotBefore, item.LastError, item.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("reschedule queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (b *PostgresBackend) DeadLetter(ctx context.Context, item *models.QueueItem, at time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE queue_items SET claimed_at = NULL, dead_lettered_at = $2, attempt = $3, stalls = $4, last_error = $5
		WHERE id = $1 AND claimed_at = $6 AND dead_lettered_at IS NULL`,
		item.ID, at, item.Attempt, item.Stalls, item.LastError, item.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("dead-letter queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (b *PostgresBackend) list(ctx context.Context, query string, args ...interface{}) ([]*models.QueueItem, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Stalled(ctx context.Context, claimedBefore time.Time) ([]*models.QueueItem, error) {
	return b.list(ctx, `SELECT `+itemColumns+` FROM queue_items
		WHERE claimed_at < $1 AND dead_lettered_at IS NULL ORDER BY claimed_at`, claimedBefore)
}

func (b *PostgresBackend) DeadLetters(ctx context.Context, domain models.Domain, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	if domain == "" {
		return b.list(ctx, `SELECT `+itemColumns+` FROM queue_items
			WHERE dead_lettered_at IS NOT NULL ORDER BY dead_lettered_at DESC LIMIT $1`, limit)
	}
	return b.list(ctx, `SELECT `+itemColumns+` FROM queue_items
		WHERE dead_lettered_at IS NOT NULL AND domain = $1 ORDER BY dead_lettered_at DESC LIMIT $2`, domain, limit)
}

func (b *PostgresBackend) Redrive(ctx context.Context, id string, now time.Time) (*models.QueueItem, error) {
	it, err := scanItem(b.db.QueryRowContext(ctx, `
		UPDATE queue_items SET dead_lettered_at = NULL, claimed_at = NULL, attempt = 0, stalls = 0, not_before = $2
		WHERE id::text = $1 AND dead_lettered_at IS NOT NULL
		RETURNING `+itemColumns, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("queue.Redrive", "dead-lettered item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redrive queue item: %w", err)
	}
	return it, nil
}

func (b *PostgresBackend) Stats(ctx context.Context, now time.Time) (map[models.Domain]Stats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT domain,
			COUNT(*) FILTER (WHERE dead_lettered_at IS NULL AND claimed_at IS NULL AND not_before <= $1),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NULL AND claimed_at IS NULL AND not_before > $1),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NULL AND claimed_at IS NOT NULL),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL)
		FROM queue_items GROUP BY domain`, now)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Domain]Stats)
	for rows.Next() {
		var domain models.Domain
		var s Stats
		if err := rows.Scan(&domain, &s.Ready, &s.Delayed, &s.Active, &s.DeadLettered); err != nil {
			return nil, err
		}
		out[domain] = s
	}
	return out, rows.Err()
}
