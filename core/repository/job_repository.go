package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

const trainingJobColumns = `id, owner_id, model_id, name, status, progress, hyperparameters, epochs, batch_size,
	dataset_info, external_ref, cost, result_metrics, error_detail, logs, duration_seconds,
	created_at, updated_at, started_at, ended_at, version`

// TrainingJobRepository handles database operations for training jobs
type TrainingJobRepository struct {
	db *DB
}

// NewTrainingJobRepository creates a new training job repository
func NewTrainingJobRepository(db *DB) *TrainingJobRepository {
	return &TrainingJobRepository{db: db}
}

// CreateTrainingJob inserts job, assigning an id when it has none
func (r *TrainingJobRepository) CreateTrainingJob(ctx context.Context, job *models.TrainingJob) error {
	query := `
		INSERT INTO training_jobs (
			id, owner_id, model_id, name, status, progress, hyperparameters, epochs, batch_size,
			dataset_info, external_ref, cost, logs, created_at, updated_at, started_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Version == 0 {
		job.Version = 1
	}
	hyper, err := jsonArg(job.Hyperparameters)
	if err != nil {
		return err
	}
	dataset, err := jsonArg(job.DatasetInfo)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.ModelID,
		job.Name,
		job.Status,
		job.Progress,
		hyper,
		job.Epochs,
		job.BatchSize,
		dataset,
		nullString(job.ExternalRef),
		job.Cost,
		job.Logs,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("insert training job: %w", err)
	}
	return nil
}

func scanTrainingJob(row scanner) (*models.TrainingJob, error) {
	var job models.TrainingJob
	var hyper, dataset, metrics, errDetail []byte
	var externalRef sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ModelID,
		&job.Name,
		&job.Status,
		&job.Progress,
		&hyper,
		&job.Epochs,
		&job.BatchSize,
		&dataset,
		&externalRef,
		&job.Cost,
		&metrics,
		&errDetail,
		&job.Logs,
		&job.DurationSeconds,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&endedAt,
		&job.Version,
	)
	if err != nil {
		return nil, err
	}

	job.ExternalRef = externalRef.String
	job.StartedAt = timePtr(startedAt)
	job.EndedAt = timePtr(endedAt)
	if err := decodeJSON(hyper, &job.Hyperparameters); err != nil {
		return nil, fmt.Errorf("decode hyperparameters: %w", err)
	}
	if err := decodeJSON(dataset, &job.DatasetInfo); err != nil {
		return nil, fmt.Errorf("decode dataset info: %w", err)
	}
	if err := decodeJSON(metrics, &job.ResultMetrics); err != nil {
		return nil, fmt.Errorf("decode result metrics: %w", err)
	}
	if len(errDetail) > 0 {
		job.ErrorDetail = &models.ErrorDetail{}
		if err := decodeJSON(errDetail, job.ErrorDetail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
	}
	return &job, nil
}

// GetTrainingJob retrieves a training job by ID
func (r *TrainingJobRepository) GetTrainingJob(ctx context.Context, id string) (*models.TrainingJob, error) {
	if !validID(id) {
		return nil, apperr.NotFound("repository.GetTrainingJob", "training job", id)
	}
	query := `SELECT ` + trainingJobColumns + ` FROM training_jobs WHERE id = $1`

	job, err := scanTrainingJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("repository.GetTrainingJob", "training job", id)
	}
	return job, err
}

// ListTrainingJobs lists training jobs, newest first
func (r *TrainingJobRepository) ListTrainingJobs(ctx context.Context, f TrainingJobFilter) ([]*models.TrainingJob, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.OwnerID != "" {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(statusList(f.Statuses)))+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore))
	}
	if !f.EndedAfter.IsZero() {
		where = append(where, "ended_at >= "+arg(f.EndedAfter))
	}

	query := `SELECT ` + trainingJobColumns + ` FROM training_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list training jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.TrainingJob
	for rows.Next() {
		job, err := scanTrainingJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateTrainingJob applies a partial update and returns the stored record
func (r *TrainingJobRepository) UpdateTrainingJob(ctx context.Context, id string, expectVersion int64, upd models.TrainingJobUpdate) (*models.TrainingJob, error) {
	const op = "repository.UpdateTrainingJob"
	if !validID(id) {
		return nil, apperr.NotFound(op, "training job", id)
	}
	set := &setClause{}
	if upd.Status != nil {
		set.add("status", *upd.Status)
	}
	if upd.Progress != nil {
		set.add("progress", *upd.Progress)
	}
	if upd.ExternalRef != nil {
		set.add("external_ref", *upd.ExternalRef)
	}
	if upd.Cost != nil {
		set.add("cost", *upd.Cost)
	}
	if upd.ResultMetrics != nil {
		if err := set.addJSON("result_metrics", upd.ResultMetrics); err != nil {
			return nil, err
		}
	}
	if upd.ErrorDetail != nil {
		if err := set.addJSON("error_detail", upd.ErrorDetail); err != nil {
			return nil, err
		}
	}
	if upd.AppendLog != "" {
		set.addExpr("logs = logs || %s", upd.AppendLog)
	}
	if upd.DurationSeconds != nil {
		set.add("duration_seconds", *upd.DurationSeconds)
	}
	if upd.StartedAt != nil {
		set.add("started_at", *upd.StartedAt)
	}
	if upd.EndedAt != nil {
		set.add("ended_at", *upd.EndedAt)
	}
	if !upd.UpdatedAt.IsZero() {
		set.add("updated_at", upd.UpdatedAt)
	}
	if set.empty() {
		return r.GetTrainingJob(ctx, id)
	}

	query, args := set.build("training_jobs", id, expectVersion, trainingJobColumns)
	job, err := scanTrainingJob(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyMiss(ctx, r.db, op, "training_jobs", "training job", id, expectVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// validID rejects ids that cannot exist in a UUID primary key column
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// classifyMiss tells a missing row from a version mismatch after an UPDATE
// matched nothing
func classifyMiss(ctx context.Context, db *DB, op, table, entity, id string, expectVersion int64) error {
	if expectVersion <= 0 {
		return apperr.NotFound(op, entity, id)
	}
	var version int64
	err := db.QueryRowContext(ctx, "SELECT version FROM "+table+" WHERE id = $1", id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, entity, id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.VersionConflict(op, entity, id)
}
