package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/service"
)

// JobHandler handles training job requests
type JobHandler struct {
	training *service.TrainingService
}

func NewJobHandler(training *service.TrainingService) *JobHandler {
	return &JobHandler{training: training}
}

// SubmitJob handles POST /v1/training
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTrainingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.OwnerID = identityFrom(r).UserID

	job, err := h.training.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trainingView(job))
}

// GetJob handles GET /v1/training/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trainingView(job))
}

// ListJobs handles GET /v1/training
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	f := repository.TrainingJobFilter{OwnerID: ownerScope(r), Limit: queryLimit(r, 50)}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Statuses = []models.TrainingStatus{models.TrainingStatus(s)}
	}
	jobs, err := h.training.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listView(jobs, trainingView))
}

// CancelJob handles POST /v1/training/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err = h.training.Cancel(r.Context(), job.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trainingView(job))
}

func (h *JobHandler) owned(r *http.Request) (*models.TrainingJob, error) {
	id := mux.Vars(r)["id"]
	job, err := h.training.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !owns(r, job.OwnerID) {
		return nil, apperr.NotFound("api.GetTrainingJob", "training job", id)
	}
	return job, nil
}
