package aws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/smithy-go"

	"ml-orchestrator/core/apperr"
)

// pricingRegion hosts the AWS Price List API
const pricingRegion = "us-east-1"

type ec2API interface {
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// Config selects the region and the SageMaker hosting setup
type Config struct {
	Region        string        `mapstructure:"region"`
	RoleARN       string        `mapstructure:"sagemaker_role_arn"`
	Image         string        `mapstructure:"sagemaker_image"`
	InstanceType  string        `mapstructure:"sagemaker_instance_type"`
	WaitInService time.Duration `mapstructure:"sagemaker_wait"`
}

// Client is the AWS provider client
type Client struct {
	cfg       Config
	ec2Client ec2API
	prices    *PriceSource
	sagemaker *SageMakerBackend
}

// NewClient creates a new AWS client from the default credential chain
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}

	pricingClient := pricing.NewFromConfig(awsCfg, func(o *pricing.Options) { o.Region = pricingRegion })
	return &Client{
		cfg:       cfg,
		ec2Client: ec2.NewFromConfig(awsCfg),
		prices:    NewPriceSource(pricingClient, cfg.Region),
		sagemaker: NewSageMakerBackend(sagemaker.NewFromConfig(awsCfg), cfg),
	}, nil
}

// Ping checks that the EC2 API is reachable with the configured credentials
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ec2Client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{AllRegions: aws.Bool(false)})
	if err != nil {
		return classify("aws.Ping", err)
	}
	return nil
}

// Prices returns the price source backed by the AWS Price List API
func (c *Client) Prices() *PriceSource {
	return c.prices
}

// SageMaker returns the SageMaker deployment backend
func (c *Client) SageMaker() *SageMakerBackend {
	return c.sagemaker
}

// classify maps an AWS error onto the orchestrator's error kinds: throttling
// and server faults are transient, other API errors terminal, and errors
// that never reached the API (network, timeouts) transient.
func classify(op string, err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return apperr.Transient(op, err)
	}
	code := ae.ErrorCode()
	if ae.ErrorFault() == smithy.FaultServer ||
		strings.Contains(code, "Throttl") ||
		code == "RequestLimitExceeded" ||
		code == "ServiceUnavailable" {
		return apperr.Transient(op, err)
	}
	return apperr.Terminal(op, err)
}

// notFound reports whether err says the resource does not exist
func notFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.ErrorCode() == "ResourceNotFound" ||
		(ae.ErrorCode() == "ValidationException" && strings.Contains(ae.ErrorMessage(), "Could not find"))
}
