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

const evaluationColumns = `id, owner_id, model_id, training_job_id, dataset_id, name, status, metric_names,
	external_ref, cost, metrics, confusion_matrix, classification_report, drift_metrics, error_detail,
	execution_seconds, created_at, updated_at, started_at, ended_at, version`

// EvaluationRepository handles database operations for evaluations
type EvaluationRepository struct {
	db *DB
}

func NewEvaluationRepository(db *DB) *EvaluationRepository {
	return &EvaluationRepository{db: db}
}

func (r *EvaluationRepository) CreateEvaluation(ctx context.Context, e *models.Evaluation) error {
	query := `
		INSERT INTO evaluations (
			id, owner_id, model_id, training_job_id, dataset_id, name, status, metric_names,
			cost, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	names, err := jsonArg(e.MetricNames)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.OwnerID, e.ModelID, e.TrainingJobID, e.DatasetID, e.Name, e.Status, names,
		e.Cost, e.CreatedAt, e.UpdatedAt, e.Version,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func scanEvaluation(row scanner) (*models.Evaluation, error) {
	var e models.Evaluation
	var names, metrics, matrix, report, drift, errDetail []byte
	var externalRef sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.OwnerID, &e.ModelID, &e.TrainingJobID, &e.DatasetID, &e.Name, &e.Status, &names,
		&externalRef, &e.Cost, &metrics, &matrix, &report, &drift, &errDetail,
		&e.ExecutionSeconds, &e.CreatedAt, &e.UpdatedAt, &startedAt, &endedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	e.ExternalRef = externalRef.String
	e.StartedAt = timePtr(startedAt)
	e.EndedAt = timePtr(endedAt)

	for _, field := range []struct {
		raw []byte
		dst interface{}
	}{
		{names, &e.MetricNames},
		{metrics, &e.Metrics},
		{matrix, &e.ConfusionMatrix},
		{report, &e.ClassificationReport},
		{drift, &e.DriftMetrics},
	} {
		if err := decodeJSON(field.raw, field.dst); err != nil {
			return nil, fmt.Errorf("decode evaluation %s: %w", e.ID, err)
		}
	}
	if len(errDetail) > 0 {
		e.ErrorDetail = &models.ErrorDetail{}
		if err := decodeJSON(errDetail, e.ErrorDetail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
	}
	return &e, nil
}

func (r *EvaluationRepository) GetEvaluation(ctx context.Context, id string) (*models.Evaluation, error) {
	if !validID(id) {
		return nil, apperr.NotFound("repository.GetEvaluation", "evaluation", id)
	}
	e, err := scanEvaluation(r.db.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("repository.GetEvaluation", "evaluation", id)
	}
	return e, err
}

func (r *EvaluationRepository) ListEvaluations(ctx context.Context, f EvaluationFilter) ([]*models.Evaluation, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if len(f.IDs) > 0 {
		where = append(where, "id::text = ANY("+arg(pq.Array(f.IDs))+")")
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(pq.Array(statusList(f.Statuses)))+")")
	}

	query := `SELECT ` + evaluationColumns + ` FROM evaluations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []*models.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EvaluationRepository) UpdateEvaluation(ctx context.Context, id string, expectVersion int64, upd models.EvaluationUpdate) (*models.Evaluation, error) {
	const op = "repository.UpdateEvaluation"
	if !validID(id) {
		return nil, apperr.NotFound(op, "evaluation", id)
	}
	set := &setClause{}
	if upd.Status != nil {
		set.add("status", *upd.Status)
	}
	if upd.ExternalRef != nil {
		set.add("external_ref", *upd.ExternalRef)
	}
	if upd.Cost != nil {
		set.add("cost", *upd.Cost)
	}
	for _, j := range []struct {
		col string
		v   interface{}
		set bool
	}{
		{"metrics", upd.Metrics, upd.Metrics != nil},
		{"confusion_matrix", upd.ConfusionMatrix, upd.ConfusionMatrix != nil},
		{"classification_report", upd.ClassificationReport, upd.ClassificationReport != nil},
		{"drift_metrics", upd.DriftMetrics, upd.DriftMetrics != nil},
		{"error_detail", upd.ErrorDetail, upd.ErrorDetail != nil},
	} {
		if !j.set {
			continue
		}
		if err := set.addJSON(j.col, j.v); err != nil {
			return nil, err
		}
	}
	if upd.ExecutionSeconds != nil {
		set.add("execution_seconds", *upd.ExecutionSeconds)
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
		return r.GetEvaluation(ctx, id)
	}

	query, args := set.build("evaluations", id, expectVersion, evaluationColumns)
	e, err := scanEvaluation(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyMiss(ctx, r.db, op, "evaluations", "evaluation", id, expectVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}
