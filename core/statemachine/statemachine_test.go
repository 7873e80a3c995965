package statemachine

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTrainingRandomWalkFollowsEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := []func(*models.TrainingJob, time.Time) (models.TrainingJobUpdate, error){
		StartPreprocessing,
		func(j *models.TrainingJob, now time.Time) (models.TrainingJobUpdate, error) {
			return AcceptTraining(j, "ext-1", now)
		},
		func(j *models.TrainingJob, now time.Time) (models.TrainingJobUpdate, error) {
			return ApplyProgress(j, ProgressReport{Progress: float64(rng.Intn(101)), Status: models.TrainingValidating}, now)
		},
		func(j *models.TrainingJob, now time.Time) (models.TrainingJobUpdate, error) {
			return CompleteTraining(j, models.Metrics{"accuracy": 0.9}, now)
		},
		func(j *models.TrainingJob, now time.Time) (models.TrainingJobUpdate, error) {
			return FailTraining(j, models.ErrorDetail{Message: "boom"}, now)
		},
		CancelTraining,
	}

	for walk := 0; walk < 500; walk++ {
		job := &models.TrainingJob{ID: "t", Status: models.TrainingPending}
		now := t0
		for step := 0; step < 12; step++ {
			now = now.Add(time.Minute)
			from := job.Status
			endedBefore := job.EndedAt
			upd, err := ops[rng.Intn(len(ops))](job, now)
			if err != nil {
				assert.True(t, errors.Is(err, ErrNoop) || apperr.IsConflict(err) || errors.Is(err, apperr.ErrValidation), err)
				continue
			}
			upd.Apply(job)
			if job.Status != from {
				assert.True(t, CanTransitionTraining(from, job.Status), "%s -> %s", from, job.Status)
			}
			assert.LessOrEqual(t, job.Progress, 100.0)
			if endedBefore != nil {
				assert.Equal(t, endedBefore, job.EndedAt, "endedAt is set once")
			}
			if job.Status.Terminal() {
				assert.NotNil(t, job.EndedAt)
			}
		}
	}
}

func TestDeploymentRandomWalkFollowsEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ops := []func(*models.Deployment, time.Time) (models.DeploymentUpdate, error){
		StartDeploying,
		func(d *models.Deployment, now time.Time) (models.DeploymentUpdate, error) {
			return Activate(d, Endpoint{URL: "http://ep", APIKey: "k", ExternalRef: "ext"}, now)
		},
		BeginUpdate,
		func(d *models.Deployment, now time.Time) (models.DeploymentUpdate, error) {
			return Scale(d, models.ScalingConfig{MaxInstances: 5}, false, now)
		},
		func(d *models.Deployment, now time.Time) (models.DeploymentUpdate, error) {
			return FailDeployment(d, models.ErrorDetail{Message: "x"}, now)
		},
		Deactivate,
	}
	for walk := 0; walk < 500; walk++ {
		d := &models.Deployment{ID: "d", Status: models.DeploymentPending, ScalingConfig: models.DefaultScalingConfig()}
		if rng.Intn(2) == 0 {
			d.Traffic.Requests = 10
		}
		now := t0
		for step := 0; step < 12; step++ {
			now = now.Add(time.Minute)
			from := d.Status
			upd, err := ops[rng.Intn(len(ops))](d, now)
			if err != nil {
				continue
			}
			upd.Apply(d)
			if d.Status != from {
				assert.True(t, CanTransitionDeployment(from, d.Status), "%s -> %s", from, d.Status)
			}
		}
	}
}

func TestCompleteTrainingScenario(t *testing.T) {
	job := &models.TrainingJob{ID: "T1", OwnerID: "U1", Status: models.TrainingPending}

	upd, err := StartPreprocessing(job, t0)
	require.NoError(t, err)
	upd.Apply(job)

	upd, err = AcceptTraining(job, "E1", t0.Add(time.Second))
	require.NoError(t, err)
	upd.Apply(job)
	assert.Equal(t, models.TrainingTraining, job.Status)
	assert.Equal(t, "E1", job.ExternalRef)

	done := t0.Add(90 * time.Minute)
	upd, err = CompleteTraining(job, models.Metrics{"accuracy": 0.9}, done)
	require.NoError(t, err)
	upd.Apply(job)
	assert.Equal(t, models.TrainingCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, 0.9, job.ResultMetrics["accuracy"])
	require.NotNil(t, job.EndedAt)
	assert.Equal(t, done, *job.EndedAt)
	assert.Equal(t, int64(5400), job.DurationSeconds)

	before := *job
	_, err = CompleteTraining(job, models.Metrics{"accuracy": 0.9}, done.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoop)
	assert.Equal(t, before, *job)

	_, err = CompleteTraining(job, models.Metrics{"accuracy": 0.5}, done.Add(time.Hour))
	assert.True(t, apperr.IsConflict(err))
}

func TestTerminalFailureIsIdempotent(t *testing.T) {
	job := &models.TrainingJob{ID: "t", Status: models.TrainingTraining}
	detail := models.ErrorDetail{Message: "pipeline rejected", Code: "terminal"}

	upd, err := FailTraining(job, detail, t0)
	require.NoError(t, err)
	upd.Apply(job)
	ended := *job.EndedAt

	_, err = FailTraining(job, detail, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoop)
	assert.Equal(t, ended, *job.EndedAt)
}

func TestApplyProgress(t *testing.T) {
	job := &models.TrainingJob{ID: "t", Status: models.TrainingTraining, Progress: 50}

	_, err := ApplyProgress(job, ProgressReport{Progress: 120}, t0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = ApplyProgress(job, ProgressReport{Progress: 30}, t0)
	assert.ErrorIs(t, err, ErrNoop, "regressions are ignored")

	upd, err := ApplyProgress(job, ProgressReport{Progress: 30, Message: "epoch 3"}, t0)
	require.NoError(t, err)
	assert.Nil(t, upd.Progress)
	assert.Contains(t, upd.AppendLog, "epoch 3")

	upd, err = ApplyProgress(job, ProgressReport{Progress: 80, Status: models.TrainingValidating}, t0)
	require.NoError(t, err)
	assert.Equal(t, 80.0, *upd.Progress)
	assert.Equal(t, models.TrainingValidating, *upd.Status)

	_, err = ApplyProgress(job, ProgressReport{Progress: 90, Status: models.TrainingCompleted}, t0)
	assert.True(t, apperr.IsConflict(err))

	job.Status = models.TrainingCancelled
	_, err = ApplyProgress(job, ProgressReport{Progress: 90}, t0)
	assert.True(t, apperr.IsConflict(err), "finished jobs are not resurrected")
}

func TestCancelOnlyFromEarlyStages(t *testing.T) {
	for status, ok := range map[models.TrainingStatus]bool{
		models.TrainingPending:       true,
		models.TrainingPreprocessing: true,
		models.TrainingTraining:      true,
		models.TrainingValidating:    false,
		models.TrainingCompleted:     false,
		models.TrainingFailed:        false,
	} {
		_, err := CancelTraining(&models.TrainingJob{ID: "t", Status: status}, t0)
		if ok {
			assert.NoError(t, err, status)
		} else {
			assert.Error(t, err, status)
		}
	}
}

func TestExternalRefSetOnce(t *testing.T) {
	job := &models.TrainingJob{ID: "t", Status: models.TrainingTraining, ExternalRef: "E1"}
	_, err := AcceptTraining(job, "E2", t0)
	assert.True(t, apperr.IsConflict(err))
	_, err = AcceptTraining(job, "E1", t0)
	assert.ErrorIs(t, err, ErrNoop)
}

func TestEvaluationLifecycle(t *testing.T) {
	e := &models.Evaluation{ID: "e", Status: models.EvaluationPending}

	_, err := CompleteEvaluation(e, EvaluationResults{Metrics: models.Metrics{"f1": 0.8}}, t0)
	assert.True(t, apperr.IsConflict(err), "pending cannot complete")

	upd, err := StartEvaluation(e, t0)
	require.NoError(t, err)
	upd.Apply(e)

	_, err = CompleteEvaluation(e, EvaluationResults{}, t0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	res := EvaluationResults{Metrics: models.Metrics{"f1": 0.8}, DriftMetrics: map[string]interface{}{"psi": 0.1}}
	upd, err = CompleteEvaluation(e, res, t0.Add(30*time.Second))
	require.NoError(t, err)
	upd.Apply(e)
	assert.Equal(t, models.EvaluationCompleted, e.Status)
	assert.Equal(t, 30.0, e.ExecutionSeconds)

	_, err = CompleteEvaluation(e, res, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoop)
}

func TestDeploymentDeactivateRequiresDrain(t *testing.T) {
	d := &models.Deployment{ID: "d", Status: models.DeploymentActive, ScalingConfig: models.DefaultScalingConfig()}
	d.Traffic.Requests = 500

	_, err := Deactivate(d, t0)
	assert.True(t, apperr.IsConflict(err))
	assert.Error(t, CanDelete(d))

	upd, err := Scale(d, models.ScalingConfig{}, true, t0)
	require.NoError(t, err)
	upd.Apply(d)
	assert.Equal(t, models.DeploymentActive, d.Status, "scaling keeps the deployment active")
	assert.Equal(t, 0, d.ScalingConfig.MinInstances)
	assert.Equal(t, 3, d.ScalingConfig.MaxInstances)
	require.NotNil(t, d.ScaledAt)

	upd, err = Deactivate(d, t0.Add(time.Minute))
	require.NoError(t, err)
	upd.Apply(d)
	assert.Equal(t, models.DeploymentInactive, d.Status)
	assert.NoError(t, CanDelete(d))

	_, err = Deactivate(d, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoop)
}

func TestApplyReport(t *testing.T) {
	d := &models.Deployment{ID: "d", Status: models.DeploymentDeploying, HealthStatus: models.HealthUnknown,
		ScalingConfig: models.DefaultScalingConfig()}

	upd, scaled, healthChanged, err := ApplyReport(d, StatusReport{
		Status: "active", Endpoint: "http://ep", APIKey: "key", HealthStatus: models.HealthHealthy,
	}, t0)
	require.NoError(t, err)
	assert.False(t, scaled)
	assert.True(t, healthChanged)
	upd.Apply(d)
	assert.Equal(t, models.DeploymentActive, d.Status)
	assert.Equal(t, "http://ep", d.Endpoint)
	assert.Equal(t, models.HealthHealthy, d.HealthStatus)

	upd, scaled, _, err = ApplyReport(d, StatusReport{Status: "scaled", Scaling: &models.ScalingConfig{MinInstances: 2, MaxInstances: 4}}, t0)
	require.NoError(t, err)
	assert.True(t, scaled)
	upd.Apply(d)
	assert.Equal(t, models.DeploymentActive, d.Status)
	assert.Equal(t, 2, d.ScalingConfig.MinInstances)

	_, _, _, err = ApplyReport(d, StatusReport{Status: "exploded"}, t0)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, _, err = ApplyReport(d, StatusReport{}, t0)
	assert.ErrorIs(t, err, ErrNoop)
}

func TestObserveHealthIsInformational(t *testing.T) {
	d := &models.Deployment{ID: "d", Status: models.DeploymentActive, HealthStatus: models.HealthHealthy}
	upd, changed := ObserveHealth(d, models.HealthUnhealthy, t0)
	assert.True(t, changed)
	assert.Nil(t, upd.Status)
	upd.Apply(d)

	upd, changed = ObserveHealth(d, models.HealthUnhealthy, t0.Add(time.Minute))
	assert.False(t, changed)
	assert.Nil(t, upd.HealthChangedAt)
}

func TestObserveHealthKeepsUnhealthySinceAcrossFlaps(t *testing.T) {
	d := &models.Deployment{ID: "d", Status: models.DeploymentActive, HealthStatus: models.HealthHealthy}

	upd, _ := ObserveHealth(d, models.HealthUnhealthy, t0)
	upd.Apply(d)
	require.NotNil(t, d.UnhealthySince)
	assert.Equal(t, t0, *d.UnhealthySince)

	for i, h := range []models.HealthStatus{models.HealthDegraded, models.HealthUnhealthy, models.HealthDegraded} {
		at := t0.Add(time.Duration(i+1) * time.Minute)
		upd, changed := ObserveHealth(d, h, at)
		assert.True(t, changed)
		upd.Apply(d)
		assert.Equal(t, at, *d.HealthChangedAt)
		assert.Equal(t, t0, *d.UnhealthySince, "flip to %s", h)
	}

	upd, _ = ObserveHealth(d, models.HealthHealthy, t0.Add(10*time.Minute))
	assert.True(t, upd.ClearUnhealthySince)
	upd.Apply(d)
	assert.Nil(t, d.UnhealthySince)

	upd, _ = ObserveHealth(d, models.HealthDegraded, t0.Add(11*time.Minute))
	upd.Apply(d)
	assert.Equal(t, t0.Add(11*time.Minute), *d.UnhealthySince)
}
