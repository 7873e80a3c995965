package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/service"
)

// DeploymentHandler handles deployment requests
type DeploymentHandler struct {
	deployments *service.DeploymentService
}

func NewDeploymentHandler(deployments *service.DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{deployments: deployments}
}

// Create handles POST /v1/deployments
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDeploymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.OwnerID = identityFrom(r).UserID
	d, err := h.deployments.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deploymentView(d))
}

// Get handles GET /v1/deployments/{id}
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentView(d))
}

// List handles GET /v1/deployments
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	f := repository.DeploymentFilter{OwnerID: ownerScope(r), Limit: queryLimit(r, 50)}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Statuses = []models.DeploymentStatus{models.DeploymentStatus(s)}
	}
	list, err := h.deployments.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listView(list, deploymentView))
}

// Scale handles POST /v1/deployments/{id}/scale. The change is applied
// asynchronously; the response carries the deployment as it is now.
func (h *DeploymentHandler) Scale(w http.ResponseWriter, r *http.Request) {
	d, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req service.ScaleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err = h.deployments.Scale(r.Context(), d.ID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentView(d))
}

// Deactivate handles POST /v1/deployments/{id}/deactivate
func (h *DeploymentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	d, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err = h.deployments.Deactivate(r.Context(), d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentView(d))
}

// Delete handles DELETE /v1/deployments/{id}
func (h *DeploymentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	d, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.deployments.Delete(r.Context(), d.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeploymentHandler) owned(r *http.Request) (*models.Deployment, error) {
	id := mux.Vars(r)["id"]
	d, err := h.deployments.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !owns(r, d.OwnerID) {
		return nil, apperr.NotFound("api.GetDeployment", "deployment", id)
	}
	return d, nil
}
