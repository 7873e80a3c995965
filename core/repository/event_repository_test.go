package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

func TestDeleteAuditRecordsBefore(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewEventRepository(db)
	cutoff := time.Now().Add(-90 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_records WHERE created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteAuditRecordsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAuditRecord(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewEventRepository(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs(sqlmock.AnyArg(), "u1", "training.completed", models.DomainTraining, jobID,
			"training", "completed", "success", []byte(`{"accuracy":0.9}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.AuditRecord{
		OwnerID: "u1", Action: "training.completed", EntityType: models.DomainTraining, EntityID: jobID,
		FromStatus: "training", ToStatus: "completed", Outcome: "success",
		Details: map[string]interface{}{"accuracy": 0.9}, CreatedAt: now,
	}
	require.NoError(t, repo.CreateAuditRecord(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlertKeepsFirstAcknowledgement(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewAlertRepository(db)
	at := time.Now().UTC()
	cols := []string{"id", "type", "severity", "title", "message", "related_type", "related_id", "metadata",
		"raised_at", "acknowledged", "acknowledged_by", "acknowledged_at"}

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE alerts SET acknowledged = TRUE")).
		WithArgs(jobID, "admin2", at).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts WHERE id = $1")).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(jobID, "high_error_rate", "warning", "t", "m",
			"deployment", "d1", nil, at.Add(-time.Hour), true, "admin1", at.Add(-time.Minute)))

	a, err := repo.AcknowledgeAlert(context.Background(), jobID, "admin2", at)
	require.NoError(t, err)
	assert.Equal(t, "admin1", a.AcknowledgedBy)
	require.NotNil(t, a.RelatedEntity)
	assert.Equal(t, "d1", a.RelatedEntity.ID)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = repo.AcknowledgeAlert(context.Background(), "nope", "admin", at)
	assert.True(t, apperr.IsNotFound(err))
}
