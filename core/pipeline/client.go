// Package pipeline talks to the external ML pipeline service. Calls are
// submissions acknowledged by the pipeline; completion arrives later through
// the callback surface.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
)

const (
	TrainingStartPath   = "/api/training/start"
	TrainingCancelPath  = "/api/training/cancel"
	EvaluationRunPath   = "/api/evaluation/run"
	DeploymentPath      = "/api/deployment/deploy"
	DeploymentScalePath = "/api/deployment/scale"
	HealthPath          = "/health"

	healthProbeTimeout = 5 * time.Second
	requestTimeout     = 30 * time.Second
)

// Client is an HTTP client for the ML pipeline
type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		tracer:  otel.Tracer("ml-orchestrator/pipeline"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type TrainingRequest struct {
	JobID           string                 `json:"jobId"`
	OwnerID         string                 `json:"userId"`
	ModelID         string                 `json:"modelId"`
	Hyperparameters map[string]interface{} `json:"hyperparameters"`
	Epochs          int                    `json:"epochs"`
	BatchSize       int                    `json:"batchSize"`
	DatasetInfo     map[string]interface{} `json:"datasetInfo,omitempty"`
}

type EvaluationRequest struct {
	EvaluationID string   `json:"evaluationId"`
	ModelID      string   `json:"modelId"`
	DatasetID    string   `json:"datasetId"`
	Metrics      []string `json:"metrics"`
}

type DeployRequest struct {
	DeploymentID  string               `json:"deploymentId"`
	ModelID       string               `json:"modelId"`
	ModelPath     string               `json:"modelPath"`
	Environment   string               `json:"environment"`
	ScalingConfig models.ScalingConfig `json:"scalingConfig"`
}

type DeployResponse struct {
	Endpoint             string `json:"endpoint"`
	APIKey               string `json:"apiKey"`
	ExternalDeploymentID string `json:"externalDeploymentId"`
}

type ScaleRequest struct {
	DeploymentID  string               `json:"deploymentId"`
	ScalingConfig models.ScalingConfig `json:"scalingConfig"`
}

type submitResponse struct {
	JobID   string `json:"jobId"`
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// StartTraining submits a training job and returns the pipeline's job id
func (c *Client) StartTraining(ctx context.Context, req TrainingRequest) (string, error) {
	var resp submitResponse
	if err := c.post(ctx, "pipeline.StartTraining", TrainingStartPath, req, &resp); err != nil {
		return "", err
	}
	if err := resp.failure("pipeline.StartTraining"); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", apperr.Terminal("pipeline.StartTraining", errors.New("response carries no job id"))
	}
	return resp.JobID, nil
}

// CancelTraining asks the pipeline to stop a running job
func (c *Client) CancelTraining(ctx context.Context, externalRef string) error {
	return c.post(ctx, "pipeline.CancelTraining", TrainingCancelPath, map[string]string{"jobId": externalRef}, nil)
}

// RunEvaluation submits an evaluation and returns the pipeline's job id
func (c *Client) RunEvaluation(ctx context.Context, req EvaluationRequest) (string, error) {
	var resp submitResponse
	if err := c.post(ctx, "pipeline.RunEvaluation", EvaluationRunPath, req, &resp); err != nil {
		return "", err
	}
	if err := resp.failure("pipeline.RunEvaluation"); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", apperr.Terminal("pipeline.RunEvaluation", errors.New("response carries no job id"))
	}
	return resp.JobID, nil
}

// Deploy asks the pipeline to serve a model
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (DeployResponse, error) {
	var resp struct {
		DeployResponse
		submitResponse
	}
	if err := c.post(ctx, "pipeline.Deploy", DeploymentPath, req, &resp); err != nil {
		return DeployResponse{}, err
	}
	if err := resp.failure("pipeline.Deploy"); err != nil {
		return DeployResponse{}, err
	}
	if resp.Endpoint == "" {
		return DeployResponse{}, apperr.Terminal("pipeline.Deploy", errors.New("response carries no endpoint"))
	}
	return resp.DeployResponse, nil
}

func (c *Client) Scale(ctx context.Context, req ScaleRequest) error {
	return c.post(ctx, "pipeline.Scale", DeploymentScalePath, req, nil)
}

// Teardown scales a pipeline deployment to zero instances
func (c *Client) Teardown(ctx context.Context, externalRef string) error {
	return c.Scale(ctx, ScaleRequest{DeploymentID: externalRef, ScalingConfig: models.ScalingConfig{}})
}

// ProbeHealth calls <endpoint>/health. "healthy" and "degraded" are reported
// as such; any other answer or a failed request is unhealthy.
func (c *Client) ProbeHealth(ctx context.Context, endpoint string) (models.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	var body struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, "pipeline.ProbeHealth", http.MethodGet, strings.TrimRight(endpoint, "/")+HealthPath, nil, &body)
	if err != nil {
		return models.HealthUnhealthy, err
	}
	switch models.HealthStatus(body.Status) {
	case models.HealthHealthy:
		return models.HealthHealthy, nil
	case models.HealthDegraded:
		return models.HealthDegraded, nil
	default:
		return models.HealthUnhealthy, nil
	}
}

// Ping checks that the pipeline answers its health endpoint
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "pipeline.Ping", http.MethodGet, c.baseURL+HealthPath, nil, nil)
}

func (r submitResponse) failure(op string) error {
	if r.Success != nil && !*r.Success {
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		return apperr.Terminal(op, fmt.Errorf("pipeline reported failure: %s", msg))
	}
	if r.Error != "" {
		return apperr.Terminal(op, fmt.Errorf("pipeline reported failure: %s", r.Error))
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out interface{}) error {
	return c.do(ctx, op, http.MethodPost, c.baseURL+path, in, out)
}

// do performs the request. Network errors, timeouts and 5xx/429 answers are
// transient; other non-2xx answers are terminal.
func (c *Client) do(ctx context.Context, op, method, url string, in, out interface{}) (err error) {
	ctx, span := c.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.url", url)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return apperr.Validation(op, "encode request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apperr.Validation(op, "build request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Transient(op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw)))
	case resp.StatusCode >= 400:
		return apperr.Terminal(op, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw)))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Terminal(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
