package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/service"
	"ml-orchestrator/core/statemachine"
)

// CallbackHandler receives status reports from the ML pipeline. Reports that
// arrive late or twice are accepted and ignored.
type CallbackHandler struct {
	training    *service.TrainingService
	evaluations *service.EvaluationService
	deployments *service.DeploymentService
}

func NewCallbackHandler(t *service.TrainingService, e *service.EvaluationService, d *service.DeploymentService) *CallbackHandler {
	return &CallbackHandler{training: t, evaluations: e, deployments: d}
}

type progressBody struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	Status   string  `json:"status"`
}

type failureBody struct {
	Error *models.ErrorDetail `json:"error"`
}

func (b failureBody) detail(op string) (models.ErrorDetail, error) {
	if b.Error == nil || b.Error.Message == "" {
		return models.ErrorDetail{}, apperr.Validation(op, "error.message is required")
	}
	return *b.Error, nil
}

func ack(w http.ResponseWriter, id string, status interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": status})
}

// TrainingProgress handles POST /v1/callbacks/training/{id}/progress
func (h *CallbackHandler) TrainingProgress(w http.ResponseWriter, r *http.Request) {
	var body progressBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	job, err := h.training.UpdateProgress(r.Context(), id, statemachine.ProgressReport{
		Progress: body.Progress,
		Message:  body.Message,
		Status:   models.TrainingStatus(body.Status),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ack(w, id, job.Status)
}

// TrainingComplete handles POST /v1/callbacks/training/{id}/complete
func (h *CallbackHandler) TrainingComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metrics models.Metrics `json:"metrics"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	job, err := h.training.Complete(r.Context(), id, body.Metrics)
	if err != nil {
		writeError(w, err)
		return
	}
	ack(w, id, job.Status)
}

// TrainingFail handles POST /v1/callbacks/training/{id}/fail
func (h *CallbackHandler) TrainingFail(w http.ResponseWriter, r *http.Request) {
	var body failureBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	detail, err := body.detail("api.FailTrainingJob")
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	job, err := h.training.Fail(r.Context(), id, detail)
	if err != nil {
		writeError(w, err)
		return
	}
	ack(w, id, job.Status)
}

// EvaluationResults handles POST /v1/callbacks/evaluations/{id}/results
func (h *CallbackHandler) EvaluationResults(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Metrics              models.Metrics         `json:"metrics"`
		ConfusionMatrix      interface{}            `json:"confusionMatrix"`
		ClassificationReport map[string]interface{} `json:"classificationReport"`
		DriftMetrics         map[string]interface{} `json:"driftMetrics"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	e, err := h.evaluations.UpdateResults(r.Context(), id, statemachine.EvaluationResults{
		Metrics:              body.Metrics,
		ConfusionMatrix:      body.ConfusionMatrix,
		ClassificationReport: body.ClassificationReport,
		DriftMetrics:         body.DriftMetrics,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ack(w, id, e.Status)
}

// EvaluationFail handles POST /v1/callbacks/evaluations/{id}/fail
func (h *CallbackHandler) EvaluationFail(w http.ResponseWriter, r *http.Request) {
	var body failureBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	detail, err := body.detail("api.FailEvaluation")
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	e, err := h.evaluations.Fail(r.Context(), id, detail)
	if err != nil {
		writeError(w, err)
		return
	}
	ack(w, id, e.Status)
}

// DeploymentStatus handles POST /v1/callbacks/deployments/{id}/status
func (h *CallbackHandler) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status        string                  `json:"status"`
		Endpoint      string                  `json:"endpoint"`
		APIKey        string                  `json:"apiKey"`
		Metrics       models.Metrics          `json:"metrics"`
		HealthStatus  string                  `json:"healthStatus"`
		Traffic       *models.TrafficCounters `json:"traffic"`
		ScalingConfig *models.ScalingConfig   `json:"scalingConfig"`
		Error         *models.ErrorDetail     `json:"error"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	d, err := h.deployments.UpdateStatus(r.Context(), id, statemachine.StatusReport{
		Status:       body.Status,
		Endpoint:     body.Endpoint,
		APIKey:       body.APIKey,
		Metrics:      body.Metrics,
		HealthStatus: models.HealthStatus(body.HealthStatus),
		Traffic:      body.Traffic,
		Scaling:      body.ScalingConfig,
		Error:        body.Error,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ack(w, id, d.Status)
}
