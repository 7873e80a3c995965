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

const deploymentColumns = `id, owner_id, model_id, model_path, name, environment, status, endpoint, api_key,
	external_ref, health_status, health_changed_at, unhealthy_since, last_health_check_at, traffic, scaling_config, metrics,
	cost, error_detail, deployed_at, scaled_at, created_at, updated_at, started_at, ended_at, version`

// DeploymentRepository handles database operations for deployments
type DeploymentRepository struct {
	db *DB
}

func NewDeploymentRepository(db *DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

func (r *DeploymentRepository) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	query := `
		INSERT INTO deployments (
			id, owner_id, model_id, model_path, name, environment, status, health_status,
			traffic, scaling_config, cost, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Version == 0 {
		d.Version = 1
	}
	traffic, err := jsonArg(d.Traffic)
	if err != nil {
		return err
	}
	scaling, err := jsonArg(d.ScalingConfig)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query,
		d.ID, d.OwnerID, d.ModelID, d.ModelPath, d.Name, d.Environment, d.Status, d.HealthStatus,
		traffic, scaling, d.Cost, d.CreatedAt, d.UpdatedAt, d.Version,
	)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var d models.Deployment
	var endpoint, apiKey, externalRef sql.NullString
	var healthChangedAt, unhealthySince, lastCheckAt, deployedAt, scaledAt, startedAt, endedAt sql.NullTime
	var traffic, scaling, metrics, errDetail []byte

	err := row.Scan(
		&d.ID, &d.OwnerID, &d.ModelID, &d.ModelPath, &d.Name, &d.Environment, &d.Status, &endpoint, &apiKey,
		&externalRef, &d.HealthStatus, &healthChangedAt, &unhealthySince, &lastCheckAt, &traffic, &scaling, &metrics,
		&d.Cost, &errDetail, &deployedAt, &scaledAt, &d.CreatedAt, &d.UpdatedAt, &startedAt, &endedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}
	d.Endpoint = endpoint.String
	d.APIKey = apiKey.String
	d.ExternalRef = externalRef.String
	d.HealthChangedAt = timePtr(healthChangedAt)
	d.UnhealthySince = timePtr(unhealthySince)
	d.LastHealthCheckAt = timePtr(lastCheckAt)
	d.DeployedAt = timePtr(deployedAt)
	d.ScaledAt = timePtr(scaledAt)
	d.StartedAt = timePtr(startedAt)
	d.EndedAt = timePtr(endedAt)

	if err := decodeJSON(traffic, &d.Traffic); err != nil {
		return nil, fmt.Errorf("decode traffic: %w", err)
	}
	if err := decodeJSON(scaling, &d.ScalingConfig); err != nil {
		return nil, fmt.Errorf("decode scaling config: %w", err)
	}
	if err := decodeJSON(metrics, &d.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	if len(errDetail) > 0 {
		d.ErrorDetail = &models.ErrorDetail{}
		if err := decodeJSON(errDetail, d.ErrorDetail); err != nil {
			return nil, fmt.Errorf("decode error detail: %w", err)
		}
	}
	return &d, nil
}

func (r *DeploymentRepository) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	if !validID(id) {
		return nil, apperr.NotFound("repository.GetDeployment", "deployment", id)
	}
	d, err := scanDeployment(r.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("repository.GetDeployment", "deployment", id)
	}
	return d, err
}

func (r *DeploymentRepository) ListDeployments(ctx context.Context, f DeploymentFilter) ([]*models.Deployment, error) {
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
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DeploymentRepository) UpdateDeployment(ctx context.Context, id string, expectVersion int64, upd models.DeploymentUpdate) (*models.Deployment, error) {
	const op = "repository.UpdateDeployment"
	if !validID(id) {
		return nil, apperr.NotFound(op, "deployment", id)
	}
	set := &setClause{}
	if upd.Status != nil {
		set.add("status", *upd.Status)
	}
	if upd.Endpoint != nil {
		set.add("endpoint", *upd.Endpoint)
	}
	if upd.APIKey != nil {
		set.add("api_key", *upd.APIKey)
	}
	if upd.ExternalRef != nil {
		set.add("external_ref", *upd.ExternalRef)
	}
	if upd.HealthStatus != nil {
		set.add("health_status", *upd.HealthStatus)
	}
	for _, j := range []struct {
		col string
		v   interface{}
		set bool
	}{
		{"traffic", upd.Traffic, upd.Traffic != nil},
		{"scaling_config", upd.ScalingConfig, upd.ScalingConfig != nil},
		{"metrics", upd.Metrics, upd.Metrics != nil},
		{"error_detail", upd.ErrorDetail, upd.ErrorDetail != nil},
	} {
		if !j.set {
			continue
		}
		if err := set.addJSON(j.col, j.v); err != nil {
			return nil, err
		}
	}
	if upd.Cost != nil {
		set.add("cost", *upd.Cost)
	}
	if upd.HealthChangedAt != nil {
		set.add("health_changed_at", *upd.HealthChangedAt)
	}
	if upd.UnhealthySince != nil {
		set.add("unhealthy_since", *upd.UnhealthySince)
	} else if upd.ClearUnhealthySince {
		set.add("unhealthy_since", nil)
	}
	if upd.LastHealthCheckAt != nil {
		set.add("last_health_check_at", *upd.LastHealthCheckAt)
	}
	if upd.DeployedAt != nil {
		set.add("deployed_at", *upd.DeployedAt)
	}
	if upd.ScaledAt != nil {
		set.add("scaled_at", *upd.ScaledAt)
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
		return r.GetDeployment(ctx, id)
	}

	query, args := set.build("deployments", id, expectVersion, deploymentColumns)
	d, err := scanDeployment(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyMiss(ctx, r.db, op, "deployments", "deployment", id, expectVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d, nil
}

// DeleteDeployment removes a deployment record
func (r *DeploymentRepository) DeleteDeployment(ctx context.Context, id string) error {
	if !validID(id) {
		return apperr.NotFound("repository.DeleteDeployment", "deployment", id)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("repository.DeleteDeployment", "deployment", id)
	}
	return nil
}
