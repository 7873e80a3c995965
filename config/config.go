package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"ml-orchestrator/core/logger"
	"ml-orchestrator/core/monitoring"
	"ml-orchestrator/core/processor"
	"ml-orchestrator/core/queue"
	"ml-orchestrator/core/scheduler"
	"ml-orchestrator/providers/aws"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	BackendPipeline  = "pipeline"
	BackendSageMaker = "sagemaker"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL  string
	StoreBackend string

	// Server
	ServerPort     string
	AllowedOrigins []string

	// Auth
	JWTSecret   string
	PipelineKey string

	// ML pipeline
	PipelineURL       string
	DeploymentBackend string

	// AWS
	AWS        aws.Config
	AWSPricing bool

	// Observability
	LogLevel     string
	OTLPEndpoint string

	Queue      queue.Config
	Timeouts   processor.Timeouts
	Scheduler  scheduler.Config
	Thresholds monitoring.Thresholds

	HealthPollInterval time.Duration
}

// Load loads configuration from environment variables, after an optional
// .env file. A YAML file named by CONFIG_FILE is applied on top.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debugf(".env file not loaded: %v", err)
	}

	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", "postgres://localhost/ml_orchestrator?sslmode=disable"),
		StoreBackend:   getEnv("STORE_BACKEND", StorePostgres),
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		PipelineKey:    getEnv("PIPELINE_KEY", ""),

		PipelineURL:       getEnv("ML_PIPELINE_URL", "http://localhost:8000"),
		DeploymentBackend: getEnv("DEPLOYMENT_BACKEND", BackendPipeline),

		AWS: aws.Config{
			Region:        getEnv("AWS_REGION", "us-east-1"),
			RoleARN:       getEnv("SAGEMAKER_ROLE_ARN", ""),
			Image:         getEnv("SAGEMAKER_IMAGE", ""),
			InstanceType:  getEnv("SAGEMAKER_INSTANCE_TYPE", "ml.m5.large"),
			WaitInService: getEnvDuration("SAGEMAKER_WAIT", 0),
		},
		AWSPricing: getEnvBool("AWS_PRICING", false),

		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		HealthPollInterval: getEnvDuration("HEALTH_POLL_INTERVAL", 30*time.Second),
	}

	q := queue.DefaultConfig()
	cfg.Queue = queue.Config{
		MaxAttempts:   getEnvInt("QUEUE_MAX_ATTEMPTS", q.MaxAttempts),
		BackoffBase:   getEnvDuration("QUEUE_BACKOFF_BASE", q.BackoffBase),
		BackoffFactor: getEnvFloat("QUEUE_BACKOFF_FACTOR", q.BackoffFactor),
		StallTimeout:  getEnvDuration("QUEUE_STALL_TIMEOUT", q.StallTimeout),
		PollInterval:  getEnvDuration("QUEUE_POLL_INTERVAL", q.PollInterval),
		Concurrency:   getEnvInt("QUEUE_CONCURRENCY", q.Concurrency),
	}

	t := processor.DefaultTimeouts()
	cfg.Timeouts = processor.Timeouts{
		Training:   getEnvDuration("TRAINING_SUBMIT_TIMEOUT", t.Training),
		Evaluation: getEnvDuration("EVALUATION_SUBMIT_TIMEOUT", t.Evaluation),
		Deployment: getEnvDuration("DEPLOYMENT_SUBMIT_TIMEOUT", t.Deployment),
		Cancel:     getEnvDuration("TRAINING_CANCEL_TIMEOUT", t.Cancel),
	}

	s := scheduler.DefaultConfig()
	cfg.Scheduler = scheduler.Config{
		HealthInterval:    getEnvDuration("HEALTH_SWEEP_INTERVAL", s.HealthInterval),
		CostInterval:      getEnvDuration("COST_SWEEP_INTERVAL", s.CostInterval),
		StuckInterval:     getEnvDuration("STUCK_SWEEP_INTERVAL", s.StuckInterval),
		RetentionInterval: getEnvDuration("RETENTION_SWEEP_INTERVAL", s.RetentionInterval),
		AlertInterval:     getEnvDuration("ALERT_SWEEP_INTERVAL", s.AlertInterval),
		StallInterval:     getEnvDuration("STALL_SWEEP_INTERVAL", s.StallInterval),
		StuckThreshold:    getEnvDuration("STUCK_JOB_THRESHOLD", s.StuckThreshold),
		LogRetention:      getEnvDuration("LOG_RETENTION", s.LogRetention),
		RecordRetention:   getEnvDuration("RECORD_RETENTION", s.RecordRetention),
	}

	th := monitoring.DefaultThresholds()
	cfg.Thresholds = monitoring.Thresholds{
		ErrorRate:         getEnvFloat("ERROR_RATE_THRESHOLD", th.ErrorRate),
		ErrorRateRequests: int64(getEnvInt("ERROR_RATE_MIN_REQUESTS", int(th.ErrorRateRequests))),
		MemoryPercent:     getEnvFloat("MEMORY_THRESHOLD", th.MemoryPercent),
		StuckTraining:     cfg.Scheduler.StuckThreshold,
		UnhealthyFor:      getEnvDuration("UNHEALTHY_THRESHOLD", th.UnhealthyFor),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the server cannot start with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.DeploymentBackend {
	case BackendPipeline:
	case BackendSageMaker:
		if c.AWS.RoleARN == "" || c.AWS.Image == "" {
			return fmt.Errorf("sagemaker backend requires SAGEMAKER_ROLE_ARN and SAGEMAKER_IMAGE")
		}
	default:
		return fmt.Errorf("unknown deployment backend %q", c.DeploymentBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// UseAWS reports whether the server needs an AWS client
func (c *Config) UseAWS() bool {
	return c.DeploymentBackend == BackendSageMaker || c.AWSPricing
}

// fileConfig is the YAML layout. Sections are decoded onto the values
// already loaded, so a file only needs the keys it changes.
type fileConfig struct {
	Database struct {
		URL     string `yaml:"url"`
		Backend string `yaml:"backend"`
	} `yaml:"database"`
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Pipeline struct {
		URL     string `yaml:"url"`
		Key     string `yaml:"key"`
		Backend string `yaml:"deployment_backend"`
	} `yaml:"pipeline"`
	LogLevel string `yaml:"log_level"`

	AWS        map[string]interface{} `yaml:"aws"`
	Queue      map[string]interface{} `yaml:"queue"`
	Timeouts   map[string]interface{} `yaml:"timeouts"`
	Scheduler  map[string]interface{} `yaml:"scheduler"`
	Thresholds map[string]interface{} `yaml:"thresholds"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.DatabaseURL, fc.Database.URL)
	setString(&c.StoreBackend, fc.Database.Backend)
	setString(&c.ServerPort, fc.Server.Port)
	if len(fc.Server.AllowedOrigins) > 0 {
		c.AllowedOrigins = fc.Server.AllowedOrigins
	}
	setString(&c.PipelineURL, fc.Pipeline.URL)
	setString(&c.PipelineKey, fc.Pipeline.Key)
	setString(&c.DeploymentBackend, fc.Pipeline.Backend)
	setString(&c.LogLevel, fc.LogLevel)

	sections := []struct {
		name string
		in   map[string]interface{}
		out  interface{}
	}{
		{"aws", fc.AWS, &c.AWS},
		{"queue", fc.Queue, &c.Queue},
		{"timeouts", fc.Timeouts, &c.Timeouts},
		{"scheduler", fc.Scheduler, &c.Scheduler},
		{"thresholds", fc.Thresholds, &c.Thresholds},
	}
	for _, s := range sections {
		if len(s.in) == 0 {
			continue
		}
		if err := decodeSection(s.in, s.out); err != nil {
			return fmt.Errorf("config section %s: %w", s.name, err)
		}
	}
	return nil
}

func decodeSection(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		MatchName:        matchName,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// matchName lets snake_case keys select CamelCase fields
func matchName(mapKey, fieldName string) bool {
	return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), strings.ReplaceAll(fieldName, "_", ""))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		logger.Warnf("invalid boolean %s=%q, using %t", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		logger.Warnf("invalid integer %s=%q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		logger.Warnf("invalid number %s=%q, using %g", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	logger.Warnf("invalid duration %s=%q, using %s", key, value, defaultValue)
	return defaultValue
}
