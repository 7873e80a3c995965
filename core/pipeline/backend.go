package pipeline

import (
	"context"

	"ml-orchestrator/core/models"
)

// DeploymentBackend serves models behind endpoints. The pipeline client is the
// default implementation; providers may supply another (see providers/aws).
type DeploymentBackend interface {
	Deploy(ctx context.Context, req DeployRequest) (DeployResponse, error)
	Scale(ctx context.Context, req ScaleRequest) error
	Teardown(ctx context.Context, externalRef string) error
}

// HealthProber checks a deployed endpoint.
type HealthProber interface {
	ProbeHealth(ctx context.Context, endpoint string) (models.HealthStatus, error)
}

var (
	_ DeploymentBackend = (*Client)(nil)
	_ HealthProber      = (*Client)(nil)
)
