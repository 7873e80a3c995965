package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, StorePostgres, cfg.StoreBackend)
	assert.Equal(t, BackendPipeline, cfg.DeploymentBackend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 600*time.Second, cfg.Timeouts.Deployment)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Cancel)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.StuckInterval)
	assert.Equal(t, 90*24*time.Hour, cfg.Scheduler.LogRetention)
	assert.Equal(t, 30*time.Second, cfg.HealthPollInterval)
	assert.Equal(t, 85.0, cfg.Thresholds.MemoryPercent)
	assert.Equal(t, time.Hour, cfg.Thresholds.StuckTraining)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("QUEUE_BACKOFF_BASE", "2s")
	t.Setenv("TRAINING_SUBMIT_TIMEOUT", "120")
	t.Setenv("TRAINING_CANCEL_TIMEOUT", "3s")
	t.Setenv("STUCK_JOB_THRESHOLD", "2h")
	t.Setenv("ERROR_RATE_THRESHOLD", "0.25")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.Training)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Cancel)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.StuckThreshold)
	assert.Equal(t, 2*time.Hour, cfg.Thresholds.StuckTraining)
	assert.Equal(t, 0.25, cfg.Thresholds.ErrorRate)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("QUEUE_CONCURRENCY", "many")
	t.Setenv("QUEUE_STALL_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Queue.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Queue.StallTimeout)
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
pipeline:
  url: http://pipeline.internal
  deployment_backend: sagemaker
aws:
  region: eu-west-1
  sagemaker_role_arn: arn:aws:iam::1:role/sm
  sagemaker_image: serve:latest
queue:
  max_attempts: 4
  backoff_base: 1s
scheduler:
  health_interval: 1m
  record_retention: 168h
thresholds:
  memory_percent: 70
`), 0o600))
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "http://pipeline.internal", cfg.PipelineURL)
	assert.Equal(t, BackendSageMaker, cfg.DeploymentBackend)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "ml.m5.large", cfg.AWS.InstanceType)
	assert.Equal(t, 4, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 2.0, cfg.Queue.BackoffFactor)
	assert.Equal(t, time.Minute, cfg.Scheduler.HealthInterval)
	assert.Equal(t, 168*time.Hour, cfg.Scheduler.RecordRetention)
	assert.Equal(t, time.Hour, cfg.Scheduler.CostInterval)
	assert.Equal(t, 70.0, cfg.Thresholds.MemoryPercent)
}

func TestConfigFileUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_attempt: 4\n"), 0o600))
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.ErrorContains(t, err, "queue")
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DEPLOYMENT_BACKEND", "sagemaker")
	_, err = Load()
	assert.ErrorContains(t, err, "SAGEMAKER_ROLE_ARN")

	t.Setenv("DEPLOYMENT_BACKEND", "kubernetes")
	_, err = Load()
	assert.ErrorContains(t, err, "kubernetes")
}

func TestUseAWS(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UseAWS())

	t.Setenv("AWS_PRICING", "true")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseAWS())
}
