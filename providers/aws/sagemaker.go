package aws

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/pipeline"
)

const (
	namePrefix  = "mlo-"
	variantName = "AllTraffic"
	maxNameLen  = 63
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)

type sagemakerAPI interface {
	CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error)
	CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error)
	CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error)
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	UpdateEndpointWeightsAndCapacities(ctx context.Context, params *sagemaker.UpdateEndpointWeightsAndCapacitiesInput, optFns ...func(*sagemaker.Options)) (*sagemaker.UpdateEndpointWeightsAndCapacitiesOutput, error)
	DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error)
	DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error)
	DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error)
}

// SageMakerBackend hosts deployments as SageMaker real-time endpoints.
// Each deployment owns one model, one endpoint config and one endpoint,
// all named after the deployment id.
type SageMakerBackend struct {
	api sagemakerAPI
	cfg Config
}

var (
	_ pipeline.DeploymentBackend = (*SageMakerBackend)(nil)
	_ pipeline.HealthProber      = (*SageMakerBackend)(nil)
)

func NewSageMakerBackend(api sagemakerAPI, cfg Config) *SageMakerBackend {
	return &SageMakerBackend{api: api, cfg: cfg}
}

// Deploy creates the model, endpoint config and endpoint for a deployment
func (b *SageMakerBackend) Deploy(ctx context.Context, req pipeline.DeployRequest) (pipeline.DeployResponse, error) {
	if req.ModelPath == "" {
		return pipeline.DeployResponse{}, apperr.Validation("sagemaker.Deploy", "model path is required")
	}
	name := resourceName(req.DeploymentID)
	modelName := name + "-model"
	configName := name + "-config"

	_, err := b.api.CreateModel(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(modelName),
		ExecutionRoleArn: aws.String(b.cfg.RoleARN),
		PrimaryContainer: &types.ContainerDefinition{
			Image:        aws.String(b.cfg.Image),
			ModelDataUrl: aws.String(req.ModelPath),
			Environment: map[string]string{
				"MLO_DEPLOYMENT_ID": req.DeploymentID,
				"MLO_MODEL_ID":      req.ModelID,
				"MLO_ENVIRONMENT":   req.Environment,
			},
		},
	})
	if err != nil {
		return pipeline.DeployResponse{}, classify("sagemaker.CreateModel", err)
	}

	_, err = b.api.CreateEndpointConfig(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(configName),
		ProductionVariants: []types.ProductionVariant{{
			VariantName:          aws.String(variantName),
			ModelName:            aws.String(modelName),
			InstanceType:         types.ProductionVariantInstanceType(b.cfg.InstanceType),
			InitialInstanceCount: aws.Int32(instanceCount(req.ScalingConfig.MinInstances)),
		}},
	})
	if err != nil {
		return pipeline.DeployResponse{}, classify("sagemaker.CreateEndpointConfig", err)
	}

	_, err = b.api.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(name),
		EndpointConfigName: aws.String(configName),
	})
	if err != nil {
		return pipeline.DeployResponse{}, classify("sagemaker.CreateEndpoint", err)
	}

	if b.cfg.WaitInService > 0 {
		waiter := sagemaker.NewEndpointInServiceWaiter(b.api)
		if err := waiter.Wait(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(name)}, b.cfg.WaitInService); err != nil {
			return pipeline.DeployResponse{}, apperr.Transient("sagemaker.WaitInService", err)
		}
	}

	logger.Infof("Created SageMaker endpoint %s for deployment %s", name, req.DeploymentID)
	return pipeline.DeployResponse{
		Endpoint:             b.invocationURL(name),
		ExternalDeploymentID: name,
	}, nil
}

// Scale sets the desired instance count of the endpoint's variant
func (b *SageMakerBackend) Scale(ctx context.Context, req pipeline.ScaleRequest) error {
	_, err := b.api.UpdateEndpointWeightsAndCapacities(ctx, &sagemaker.UpdateEndpointWeightsAndCapacitiesInput{
		EndpointName: aws.String(resourceName(req.DeploymentID)),
		DesiredWeightsAndCapacities: []types.DesiredWeightAndCapacity{{
			VariantName:          aws.String(variantName),
			DesiredInstanceCount: aws.Int32(instanceCount(req.ScalingConfig.MinInstances)),
		}},
	})
	if err != nil {
		return classify("sagemaker.Scale", err)
	}
	return nil
}

// Teardown deletes the endpoint and the resources created with it.
// Resources that are already gone are skipped.
func (b *SageMakerBackend) Teardown(ctx context.Context, externalRef string) error {
	name := resourceName(externalRef)

	if _, err := b.api.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(name)}); err != nil && !notFound(err) {
		return classify("sagemaker.DeleteEndpoint", err)
	}
	if _, err := b.api.DeleteEndpointConfig(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(name + "-config")}); err != nil && !notFound(err) {
		return classify("sagemaker.DeleteEndpointConfig", err)
	}
	if _, err := b.api.DeleteModel(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(name + "-model")}); err != nil && !notFound(err) {
		return classify("sagemaker.DeleteModel", err)
	}
	logger.Infof("Deleted SageMaker endpoint %s", name)
	return nil
}

// ProbeHealth maps the endpoint status onto a health status. The endpoint
// may be given as an invocation URL or as a bare endpoint name.
func (b *SageMakerBackend) ProbeHealth(ctx context.Context, endpoint string) (models.HealthStatus, error) {
	out, err := b.api.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName(endpoint)),
	})
	if err != nil {
		if notFound(err) {
			return models.HealthUnhealthy, nil
		}
		return models.HealthUnknown, classify("sagemaker.ProbeHealth", err)
	}
	switch out.EndpointStatus {
	case types.EndpointStatusInService:
		return models.HealthHealthy, nil
	case types.EndpointStatusCreating, types.EndpointStatusUpdating, types.EndpointStatusSystemUpdating:
		return models.HealthDegraded, nil
	default:
		return models.HealthUnhealthy, nil
	}
}

func (b *SageMakerBackend) invocationURL(name string) string {
	return fmt.Sprintf("https://runtime.sagemaker.%s.amazonaws.com/endpoints/%s/invocations", b.cfg.Region, name)
}

// resourceName derives a valid SageMaker name from an id. Names that
// already carry the prefix are returned unchanged.
func resourceName(id string) string {
	if strings.HasPrefix(id, namePrefix) {
		return id
	}
	name := namePrefix + invalidNameChars.ReplaceAllString(id, "-")
	// leave room for the -config suffix
	if limit := maxNameLen - len("-config"); len(name) > limit {
		name = name[:limit]
	}
	return strings.TrimRight(name, "-")
}

func endpointName(endpoint string) string {
	const marker = "/endpoints/"
	i := strings.Index(endpoint, marker)
	if i < 0 {
		return resourceName(endpoint)
	}
	rest := endpoint[i+len(marker):]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func instanceCount(min int) int32 {
	if min < 1 {
		return 1
	}
	return int32(min)
}
