package queue

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/models"
)

var itemCols = []string{"id", "domain", "job_id", "owner_id", "payload", "attempt", "max_attempts", "not_before",
	"claimed_at", "stalls", "last_error", "dead_lettered_at", "created_at"}

func newPostgresMock(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresBackend(db), mock
}

func TestPostgresClaim(t *testing.T) {
	b, mock := newPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items SET claimed_at = $1")).
		WithArgs(now, models.DomainTraining).
		WillReturnRows(sqlmock.NewRows(itemCols).AddRow(
			"q1", "training", "T1", "U1", []byte(`{"epochs":3}`), 1, 3, now, now, 0, "timeout", nil, now.Add(-time.Minute)))

	item, err := b.Claim(context.Background(), models.DomainTraining, now)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "T1", item.JobID)
	assert.Equal(t, 1, item.Attempt)
	assert.Equal(t, float64(3), item.Payload["epochs"])
	require.NotNil(t, item.ClaimedAt)
	assert.Nil(t, item.DeadLetteredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimNothingReady(t *testing.T) {
	b, mock := newPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items SET claimed_at = $1")).
		WillReturnRows(sqlmock.NewRows(itemCols))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE queue_items SET claimed_at = $1")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	item, err := b.Claim(context.Background(), models.DomainEvaluation, now)
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = b.Claim(context.Background(), models.DomainEvaluation, now)
	require.NoError(t, err, "a lost claim race is not an error")
	assert.Nil(t, item)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRescheduleAndDeadLetter(t *testing.T) {
	b, mock := newPostgresMock(t)
	now := time.Now().UTC()
	claimedAt := now.Add(-time.Minute)
	item := &models.QueueItem{ID: "q1", Attempt: 2, NotBefore: now.Add(10 * time.Second), LastError: "boom", ClaimedAt: &claimedAt}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_items SET claimed_at = NULL, attempt = $2")).
		WithArgs("q1", 2, 0, item.NotBefore, "boom", claimedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND claimed_at = $6 AND dead_lettered_at IS NULL")).
		WithArgs("q1", now, 2, 0, "boom", claimedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, b.Reschedule(context.Background(), item))
	require.NoError(t, b.DeadLetter(context.Background(), item, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStaleClaimIsLost(t *testing.T) {
	b, mock := newPostgresMock(t)
	now := time.Now().UTC()
	stale := now.Add(-11 * time.Minute)
	item := &models.QueueItem{ID: "q1", Stalls: 1, NotBefore: now, LastError: "stalled", ClaimedAt: &stale}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_items SET claimed_at = NULL, attempt = $2")).
		WithArgs("q1", 0, 1, now, "stalled", stale).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("dead_lettered_at = $2")).
		WithArgs("q1", now, 0, 1, "stalled", stale).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, b.Reschedule(context.Background(), item), ErrClaimLost)
	assert.ErrorIs(t, b.DeadLetter(context.Background(), item, now), ErrClaimLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	b, mock := newPostgresMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM queue_items GROUP BY domain")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"domain", "ready", "delayed", "active", "dead"}).
			AddRow("training", 2, 1, 1, 0).
			AddRow("deployment", 0, 0, 0, 4))

	stats, err := b.Stats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 2, Delayed: 1, Active: 1}, stats[models.DomainTraining])
	assert.Equal(t, 4, stats[models.DomainDeployment].DeadLettered)
	assert.NoError(t, mock.ExpectationsWereMet())
}
