package models

// Queue payloads. Processors re-read the entity before acting; payloads
// carry the request as it was made and, for deployments, the action.

type TrainingPayload struct {
	ModelID         string                 `mapstructure:"modelId"`
	Hyperparameters map[string]interface{} `mapstructure:"hyperparameters"`
	Epochs          int                    `mapstructure:"epochs"`
	BatchSize       int                    `mapstructure:"batchSize"`
	DatasetInfo     map[string]interface{} `mapstructure:"datasetInfo"`
}

type EvaluationPayload struct {
	ModelID   string   `mapstructure:"modelId"`
	DatasetID string   `mapstructure:"datasetId"`
	Metrics   []string `mapstructure:"metrics"`
}

// DeploymentAction selects what a deployment queue item does
type DeploymentAction string

const (
	ActionDeploy DeploymentAction = "deploy"
	ActionScale  DeploymentAction = "scale"
)

type DeploymentPayload struct {
	Action        DeploymentAction `mapstructure:"action"`
	ModelID       string           `mapstructure:"modelId"`
	ModelPath     string           `mapstructure:"modelPath"`
	Environment   string           `mapstructure:"environment"`
	ScalingConfig *ScalingConfig   `mapstructure:"scalingConfig"`
	MinSet        bool             `mapstructure:"minSet"`
}
