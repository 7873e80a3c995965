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

const jobID = "5f0c6a4e-2b7d-4c1e-9a3f-0d7e1b2c3a4f"

func setupMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &DB{DB: conn}, mock
}

var trainingCols = []string{"id", "owner_id", "model_id", "name", "status", "progress", "hyperparameters", "epochs",
	"batch_size", "dataset_info", "external_ref", "cost", "result_metrics", "error_detail", "logs", "duration_seconds",
	"created_at", "updated_at", "started_at", "ended_at", "version"}

func trainingRow(status models.TrainingStatus, version int64, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(trainingCols).AddRow(
		jobID, "u1", "m1", "resnet", string(status), 100.0, []byte(`{"lr":0.01}`), 10,
		32, nil, "E1", 0.0, []byte(`{"accuracy":0.9}`), nil, "", int64(60),
		now, now, now.Add(-time.Minute), now, version,
	)
}

func TestCreateTrainingJob(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTrainingJobRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_jobs")).
		WithArgs(sqlmock.AnyArg(), "u1", "m1", "resnet", models.TrainingPending, 0.0, []byte(`{"lr":0.01}`), 10, 32,
			nil, sqlmock.AnyArg(), 0.0, "", now, now, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &models.TrainingJob{
		OwnerID: "u1", ModelID: "m1", Name: "resnet", Status: models.TrainingPending,
		Hyperparameters: map[string]interface{}{"lr": 0.01}, Epochs: 10, BatchSize: 32,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.CreateTrainingJob(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, int64(1), job.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTrainingJob(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTrainingJobRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM training_jobs WHERE id = $1")).
		WithArgs(jobID).
		WillReturnRows(trainingRow(models.TrainingCompleted, 4, now))

	job, err := repo.GetTrainingJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.TrainingCompleted, job.Status)
	assert.Equal(t, "E1", job.ExternalRef)
	assert.Equal(t, 0.9, job.ResultMetrics["accuracy"])
	assert.Equal(t, 0.01, job.Hyperparameters["lr"])
	assert.Nil(t, job.ErrorDetail)
	require.NotNil(t, job.EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTrainingJobNotFound(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTrainingJobRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM training_jobs WHERE id = $1")).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows(trainingCols))

	_, err := repo.GetTrainingJob(context.Background(), jobID)
	assert.True(t, apperr.IsNotFound(err))

	_, err = repo.GetTrainingJob(context.Background(), "not-a-uuid")
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTrainingJobPartial(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTrainingJobRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE training_jobs SET status = $1, progress = $2, logs = logs || $3, updated_at = $4, version = version + 1 WHERE id = $5 AND version = $6 RETURNING")).
		WithArgs(models.TrainingValidating, 80.0, "\nvalidating", now, jobID, int64(3)).
		WillReturnRows(trainingRow(models.TrainingValidating, 4, now))

	job, err := repo.UpdateTrainingJob(context.Background(), jobID, 3, models.TrainingJobUpdate{
		Status:    models.Ptr(models.TrainingValidating),
		Progress:  models.Ptr(80.0),
		AppendLog: "\nvalidating",
		UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), job.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTrainingJobVersionConflict(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTrainingJobRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE training_jobs SET cost = $1, version = version + 1 WHERE id = $2 AND version = $3")).
		WithArgs(12.5, jobID, int64(2)).
		WillReturnRows(sqlmock.NewRows(trainingCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM training_jobs WHERE id = $1")).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))

	_, err := repo.UpdateTrainingJob(context.Background(), jobID, 2, models.TrainingJobUpdate{Cost: models.Ptr(12.5)})
	assert.ErrorIs(t, err, apperr.ErrVersionConflict)
	assert.True(t, apperr.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTrainingJobsFilters(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTrainingJobRepository(db)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM training_jobs WHERE status = ANY($1) AND updated_at < $2 ORDER BY created_at DESC LIMIT $3")).
		WithArgs(sqlmock.AnyArg(), cutoff, 50).
		WillReturnRows(trainingRow(models.TrainingTraining, 1, cutoff.Add(-time.Hour)))

	jobs, err := repo.ListTrainingJobs(context.Background(), TrainingJobFilter{
		Statuses:      []models.TrainingStatus{models.TrainingTraining, models.TrainingPreprocessing},
		UpdatedBefore: cutoff,
		Limit:         50,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.TrainingTraining, jobs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
