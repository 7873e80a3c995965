package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/service"
)

// EvaluationHandler handles evaluation requests
type EvaluationHandler struct {
	evaluations *service.EvaluationService
}

func NewEvaluationHandler(evaluations *service.EvaluationService) *EvaluationHandler {
	return &EvaluationHandler{evaluations: evaluations}
}

// Create handles POST /v1/evaluations
func (h *EvaluationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateEvaluationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.OwnerID = identityFrom(r).UserID
	e, err := h.evaluations.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, evaluationView(e))
}

// Get handles GET /v1/evaluations/{id}
func (h *EvaluationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, err := h.evaluations.Get(r.Context(), id)
	if err == nil && !owns(r, e.OwnerID) {
		err = apperr.NotFound("api.GetEvaluation", "evaluation", id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationView(e))
}

// List handles GET /v1/evaluations
func (h *EvaluationHandler) List(w http.ResponseWriter, r *http.Request) {
	f := repository.EvaluationFilter{OwnerID: ownerScope(r), Limit: queryLimit(r, 50)}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Statuses = []models.EvaluationStatus{models.EvaluationStatus(s)}
	}
	list, err := h.evaluations.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listView(list, evaluationView))
}

// Compare handles POST /v1/evaluations/compare
func (h *EvaluationHandler) Compare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EvaluationIDs []string `json:"evaluationIds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cmp, err := h.evaluations.Compare(r.Context(), identityFrom(r).UserID, req.EvaluationIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}
