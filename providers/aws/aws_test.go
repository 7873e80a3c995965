package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/pipeline"
)

type fakeSageMaker struct {
	models    []*sagemaker.CreateModelInput
	configs   []*sagemaker.CreateEndpointConfigInput
	endpoints []*sagemaker.CreateEndpointInput
	updates   []*sagemaker.UpdateEndpointWeightsAndCapacitiesInput
	deleted   []string

	status      types.EndpointStatus
	describeErr error
	createErr   error
	deleteErr   error
}

func (f *fakeSageMaker) CreateModel(_ context.Context, in *sagemaker.CreateModelInput, _ ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error) {
	f.models = append(f.models, in)
	return &sagemaker.CreateModelOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpointConfig(_ context.Context, in *sagemaker.CreateEndpointConfigInput, _ ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error) {
	f.configs = append(f.configs, in)
	return &sagemaker.CreateEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpoint(_ context.Context, in *sagemaker.CreateEndpointInput, _ ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.endpoints = append(f.endpoints, in)
	return &sagemaker.CreateEndpointOutput{}, nil
}

func (f *fakeSageMaker) DescribeEndpoint(_ context.Context, in *sagemaker.DescribeEndpointInput, _ ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &sagemaker.DescribeEndpointOutput{EndpointName: in.EndpointName, EndpointStatus: f.status}, nil
}

func (f *fakeSageMaker) UpdateEndpointWeightsAndCapacities(_ context.Context, in *sagemaker.UpdateEndpointWeightsAndCapacitiesInput, _ ...func(*sagemaker.Options)) (*sagemaker.UpdateEndpointWeightsAndCapacitiesOutput, error) {
	f.updates = append(f.updates, in)
	return &sagemaker.UpdateEndpointWeightsAndCapacitiesOutput{}, nil
}

func (f *fakeSageMaker) DeleteEndpoint(_ context.Context, in *sagemaker.DeleteEndpointInput, _ ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, *in.EndpointName)
	return &sagemaker.DeleteEndpointOutput{}, nil
}

func (f *fakeSageMaker) DeleteEndpointConfig(_ context.Context, in *sagemaker.DeleteEndpointConfigInput, _ ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error) {
	f.deleted = append(f.deleted, *in.EndpointConfigName)
	return &sagemaker.DeleteEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) DeleteModel(_ context.Context, in *sagemaker.DeleteModelInput, _ ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error) {
	f.deleted = append(f.deleted, *in.ModelName)
	return &sagemaker.DeleteModelOutput{}, nil
}

func testConfig() Config {
	return Config{
		Region:       "eu-west-1",
		RoleARN:      "arn:aws:iam::123456789012:role/sagemaker",
		Image:        "123456789012.dkr.ecr.eu-west-1.amazonaws.com/serve:latest",
		InstanceType: "ml.m5.large",
	}
}

func TestSageMakerDeploy(t *testing.T) {
	api := &fakeSageMaker{}
	backend := NewSageMakerBackend(api, testConfig())

	resp, err := backend.Deploy(context.Background(), pipeline.DeployRequest{
		DeploymentID:  "dep-1",
		ModelID:       "job-1",
		ModelPath:     "s3://models/job-1/model.tar.gz",
		Environment:   "production",
		ScalingConfig: models.ScalingConfig{MinInstances: 2, MaxInstances: 4},
	})
	require.NoError(t, err)

	assert.Equal(t, "mlo-dep-1", resp.ExternalDeploymentID)
	assert.Equal(t, "https://runtime.sagemaker.eu-west-1.amazonaws.com/endpoints/mlo-dep-1/invocations", resp.Endpoint)

	require.Len(t, api.models, 1)
	assert.Equal(t, "mlo-dep-1-model", *api.models[0].ModelName)
	assert.Equal(t, "s3://models/job-1/model.tar.gz", *api.models[0].PrimaryContainer.ModelDataUrl)
	assert.Equal(t, "production", api.models[0].PrimaryContainer.Environment["MLO_ENVIRONMENT"])

	require.Len(t, api.configs, 1)
	variant := api.configs[0].ProductionVariants[0]
	assert.Equal(t, int32(2), *variant.InitialInstanceCount)
	assert.Equal(t, types.ProductionVariantInstanceType("ml.m5.large"), variant.InstanceType)

	require.Len(t, api.endpoints, 1)
	assert.Equal(t, "mlo-dep-1-config", *api.endpoints[0].EndpointConfigName)
}

func TestSageMakerDeployRequiresModelPath(t *testing.T) {
	backend := NewSageMakerBackend(&fakeSageMaker{}, testConfig())

	_, err := backend.Deploy(context.Background(), pipeline.DeployRequest{DeploymentID: "dep-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSageMakerDeployClassifiesErrors(t *testing.T) {
	api := &fakeSageMaker{createErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	backend := NewSageMakerBackend(api, testConfig())
	req := pipeline.DeployRequest{DeploymentID: "dep-1", ModelPath: "s3://m"}

	_, err := backend.Deploy(context.Background(), req)
	assert.True(t, apperr.IsRetryable(err))

	api.createErr = &smithy.GenericAPIError{Code: "ResourceLimitExceeded", Message: "quota", Fault: smithy.FaultClient}
	_, err = backend.Deploy(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrTerminal)
	assert.False(t, apperr.IsRetryable(err))

	api.createErr = errors.New("dial tcp: i/o timeout")
	_, err = backend.Deploy(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestSageMakerScale(t *testing.T) {
	api := &fakeSageMaker{}
	backend := NewSageMakerBackend(api, testConfig())

	err := backend.Scale(context.Background(), pipeline.ScaleRequest{
		DeploymentID:  "dep-1",
		ScalingConfig: models.ScalingConfig{MinInstances: 0, MaxInstances: 5},
	})
	require.NoError(t, err)

	require.Len(t, api.updates, 1)
	assert.Equal(t, "mlo-dep-1", *api.updates[0].EndpointName)
	assert.Equal(t, int32(1), *api.updates[0].DesiredWeightsAndCapacities[0].DesiredInstanceCount)
}

func TestSageMakerTeardown(t *testing.T) {
	api := &fakeSageMaker{}
	backend := NewSageMakerBackend(api, testConfig())

	require.NoError(t, backend.Teardown(context.Background(), "mlo-dep-1"))
	assert.Equal(t, []string{"mlo-dep-1", "mlo-dep-1-config", "mlo-dep-1-model"}, api.deleted)
}

func TestSageMakerTeardownSkipsMissingEndpoint(t *testing.T) {
	api := &fakeSageMaker{deleteErr: &smithy.GenericAPIError{Code: "ValidationException", Message: "Could not find endpoint"}}
	backend := NewSageMakerBackend(api, testConfig())

	require.NoError(t, backend.Teardown(context.Background(), "mlo-dep-1"))
	assert.Equal(t, []string{"mlo-dep-1-config", "mlo-dep-1-model"}, api.deleted)
}

func TestSageMakerProbeHealth(t *testing.T) {
	api := &fakeSageMaker{}
	backend := NewSageMakerBackend(api, testConfig())
	url := "https://runtime.sagemaker.eu-west-1.amazonaws.com/endpoints/mlo-dep-1/invocations"

	cases := map[types.EndpointStatus]models.HealthStatus{
		types.EndpointStatusInService:      models.HealthHealthy,
		types.EndpointStatusUpdating:       models.HealthDegraded,
		types.EndpointStatusSystemUpdating: models.HealthDegraded,
		types.EndpointStatusFailed:         models.HealthUnhealthy,
		types.EndpointStatusOutOfService:   models.HealthUnhealthy,
	}
	for status, want := range cases {
		api.status = status
		got, err := backend.ProbeHealth(context.Background(), url)
		require.NoError(t, err)
		assert.Equal(t, want, got, string(status))
	}

	api.describeErr = &smithy.GenericAPIError{Code: "ValidationException", Message: "Could not find endpoint"}
	got, err := backend.ProbeHealth(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, models.HealthUnhealthy, got)

	api.describeErr = &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}
	got, err = backend.ProbeHealth(context.Background(), url)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, models.HealthUnknown, got)
}

func TestResourceNames(t *testing.T) {
	assert.Equal(t, "mlo-dep-1", resourceName("dep-1"))
	assert.Equal(t, "mlo-dep-1", resourceName("mlo-dep-1"))
	assert.Equal(t, "mlo-a-b-c", resourceName("a_b.c"))
	assert.LessOrEqual(t, len(resourceName(string(make([]byte, 100)))), maxNameLen-len("-config"))

	assert.Equal(t, "mlo-dep-1", endpointName("https://runtime.sagemaker.eu-west-1.amazonaws.com/endpoints/mlo-dep-1/invocations"))
	assert.Equal(t, "mlo-dep-1", endpointName("dep-1"))
}

type fakePricing struct {
	calls  int
	prices []string
	err    error
}

func (f *fakePricing) GetProducts(_ context.Context, _ *pricing.GetProductsInput, _ ...func(*pricing.Options)) (*pricing.GetProductsOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pricing.GetProductsOutput{PriceList: f.prices}, nil
}

const productDoc = `{
  "product": {"attributes": {"instanceName": "ml.m5.large"}},
  "terms": {
    "OnDemand": {
      "ABC.JRTCKXETXF": {
        "priceDimensions": {
          "ABC.JRTCKXETXF.6YS6EN2CT7": {
            "unit": "Hrs",
            "pricePerUnit": {"USD": "0.1150000000"}
          }
        }
      }
    }
  }
}`

func TestPriceSourceParsesAndCaches(t *testing.T) {
	api := &fakePricing{prices: []string{`{"terms":{}}`, productDoc}}
	prices := NewPriceSource(api, "eu-west-1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prices.now = func() time.Time { return now }

	usd, err := prices.HourlyPrice(context.Background(), "ml.m5.large")
	require.NoError(t, err)
	assert.InDelta(t, 0.115, usd, 1e-9)

	_, err = prices.HourlyPrice(context.Background(), "ml.m5.large")
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls)

	now = now.Add(priceTTL + time.Minute)
	_, err = prices.HourlyPrice(context.Background(), "ml.m5.large")
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls)
}

func TestPriceSourceErrors(t *testing.T) {
	prices := NewPriceSource(&fakePricing{}, "eu-west-1")
	_, err := prices.HourlyPrice(context.Background(), "ml.unknown")
	assert.Error(t, err)

	prices = NewPriceSource(&fakePricing{err: &smithy.GenericAPIError{Code: "ThrottlingException"}}, "eu-west-1")
	_, err = prices.HourlyPrice(context.Background(), "ml.m5.large")
	assert.True(t, apperr.IsRetryable(err))
}

type fakeEC2 struct{ err error }

func (f fakeEC2) DescribeRegions(context.Context, *ec2.DescribeRegionsInput, ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	return &ec2.DescribeRegionsOutput{}, f.err
}

func TestPing(t *testing.T) {
	c := &Client{ec2Client: fakeEC2{}}
	assert.NoError(t, c.Ping(context.Background()))

	c = &Client{ec2Client: fakeEC2{err: &smithy.GenericAPIError{Code: "AuthFailure"}}}
	assert.ErrorIs(t, c.Ping(context.Background()), apperr.ErrTerminal)
}
