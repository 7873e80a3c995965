package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
)

const (
	trainingComputeRate = 0.01  // USD per training hour
	dataProcessingRate  = 0.001 // USD per GB of dataset
	dataTransferRate    = 0.09  // USD per GB served
	avgRequestSizeGB    = 0.001
)

// StaticPrices are on-demand hourly prices of SageMaker hosting instances,
// used when no live price source is configured or it fails.
var StaticPrices = map[string]float64{
	"ml.m5.large":    0.134,
	"ml.m5.xlarge":   0.268,
	"ml.m5.2xlarge":  0.536,
	"ml.m5.4xlarge":  1.072,
	"ml.m5.12xlarge": 3.216,
	"ml.m5.24xlarge": 6.432,
}

// PriceSource looks up the hourly price of an instance type
type PriceSource interface {
	HourlyPrice(ctx context.Context, instanceType string) (float64, error)
}

// CostBreakdown is the result of a cost calculation
type CostBreakdown struct {
	Compute  float64 `json:"compute"`
	Data     float64 `json:"data"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// CostCalculator prices training jobs and deployments
type CostCalculator struct {
	prices       PriceSource
	instanceType string
}

// NewCostCalculator creates a calculator. prices may be nil.
func NewCostCalculator(prices PriceSource, instanceType string) *CostCalculator {
	if instanceType == "" {
		instanceType = "ml.m5.large"
	}
	return &CostCalculator{prices: prices, instanceType: instanceType}
}

// TrainingCost charges compute time plus the processed dataset size
func (cc *CostCalculator) TrainingCost(job *models.TrainingJob) CostBreakdown {
	hours := float64(job.DurationSeconds) / 3600
	sizeGB := 1.0
	if v, ok := job.DatasetInfo["size"].(float64); ok && v > 0 {
		sizeGB = v
	}
	b := CostBreakdown{
		Compute:  trainingComputeRate * hours,
		Data:     dataProcessingRate * sizeGB,
		Currency: "USD",
	}
	b.Total = b.Compute + b.Data
	return b
}

// DeploymentCost charges instance hours since activation plus data served
func (cc *CostCalculator) DeploymentCost(ctx context.Context, d *models.Deployment, now time.Time) CostBreakdown {
	rate := cc.hourlyRate(ctx)
	instances := d.ScalingConfig.MinInstances
	if instances < 1 {
		instances = 1
	}
	b := CostBreakdown{
		Compute:  rate * float64(instances) * d.UptimeHours(now),
		Data:     float64(d.Traffic.Requests) * avgRequestSizeGB * dataTransferRate,
		Currency: "USD",
	}
	b.Total = b.Compute + b.Data
	return b
}

func (cc *CostCalculator) hourlyRate(ctx context.Context) float64 {
	if cc.prices != nil {
		price, err := cc.prices.HourlyPrice(ctx, cc.instanceType)
		if err == nil && price > 0 {
			return price
		}
		logger.Warnf("price lookup for %s failed, using static price: %v", cc.instanceType, err)
	}
	if p, ok := StaticPrices[cc.instanceType]; ok {
		return p
	}
	return StaticPrices["ml.m5.large"]
}

type trainingCosts interface {
	List(ctx context.Context, f repository.TrainingJobFilter) ([]*models.TrainingJob, error)
	RecordCost(ctx context.Context, id string, cost float64) error
}

type deploymentCosts interface {
	List(ctx context.Context, f repository.DeploymentFilter) ([]*models.Deployment, error)
	RecordCost(ctx context.Context, id string, cost float64) error
}

// CostTracker accrues cost on active deployments and recently completed
// training jobs
type CostTracker struct {
	calc        *CostCalculator
	training    trainingCosts
	deployments deploymentCosts
	collector   *Collector
	now         func() time.Time
}

func NewCostTracker(calc *CostCalculator, training trainingCosts, deployments deploymentCosts, collector *Collector) *CostTracker {
	return &CostTracker{calc: calc, training: training, deployments: deployments, collector: collector, now: time.Now}
}

// WithClock sets the time source
func (ct *CostTracker) WithClock(now func() time.Time) *CostTracker {
	ct.now = now
	return ct
}

// Accrue prices every active deployment and every training job completed in
// the last 24h, persisting each result. A failing item does not stop the
// sweep; failures are returned together.
func (ct *CostTracker) Accrue(ctx context.Context) error {
	now := ct.now()
	var result *multierror.Error
	var deploymentTotal, trainingTotal float64

	deployments, err := ct.deployments.List(ctx, repository.DeploymentFilter{Statuses: []models.DeploymentStatus{models.DeploymentActive}})
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("list active deployments: %w", err))
	}
	for _, d := range deployments {
		cost := ct.calc.DeploymentCost(ctx, d, now)
		deploymentTotal += cost.Total
		if err := ct.deployments.RecordCost(ctx, d.ID, cost.Total); err != nil {
			result = multierror.Append(result, fmt.Errorf("deployment %s: %w", d.ID, err))
		}
	}

	jobs, err := ct.training.List(ctx, repository.TrainingJobFilter{
		Statuses:   []models.TrainingStatus{models.TrainingCompleted},
		EndedAfter: now.Add(-24 * time.Hour),
	})
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("list completed training jobs: %w", err))
	}
	for _, job := range jobs {
		cost := ct.calc.TrainingCost(job)
		trainingTotal += cost.Total
		if err := ct.training.RecordCost(ctx, job.ID, cost.Total); err != nil {
			result = multierror.Append(result, fmt.Errorf("training job %s: %w", job.ID, err))
		}
	}

	if ct.collector != nil {
		ct.collector.SetAccruedCost(models.DomainDeployment, deploymentTotal)
		ct.collector.SetAccruedCost(models.DomainTraining, trainingTotal)
	}
	logger.Debugf("cost sweep priced %d deployments (%.4f USD) and %d training jobs (%.4f USD)",
		len(deployments), deploymentTotal, len(jobs), trainingTotal)
	return result.ErrorOrNil()
}
