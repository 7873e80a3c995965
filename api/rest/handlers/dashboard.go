package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"ml-orchestrator/core/apperr"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/monitoring"
	"ml-orchestrator/core/queue"
	"ml-orchestrator/core/realtime"
)

// DeadLetterQueue is the part of the work queue operators inspect
type DeadLetterQueue interface {
	Stats(ctx context.Context) (map[models.Domain]queue.Stats, error)
	DeadLetters(ctx context.Context, domain models.Domain, limit int) ([]*models.QueueItem, error)
	Redrive(ctx context.Context, id string) (*models.QueueItem, error)
}

// DashboardHandler serves the operator endpoints: alerts, queue state,
// realtime stats and health
type DashboardHandler struct {
	alerts   *monitoring.AlertManager
	queue    DeadLetterQueue
	registry *realtime.Registry
	health   *monitoring.SystemHealth
	ready    []string
}

// NewDashboardHandler creates the handler. readyChecks names the health
// checks /ready requires.
func NewDashboardHandler(alerts *monitoring.AlertManager, q DeadLetterQueue, reg *realtime.Registry, health *monitoring.SystemHealth, readyChecks ...string) *DashboardHandler {
	return &DashboardHandler{alerts: alerts, queue: q, registry: reg, health: health, ready: readyChecks}
}

// ActiveAlerts handles GET /v1/alerts
func (h *DashboardHandler) ActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.ActiveAlerts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": alerts, "count": len(alerts)})
}

// AlertHistory handles GET /v1/alerts/history
func (h *DashboardHandler) AlertHistory(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.AlertHistory(r.Context(), queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": alerts, "count": len(alerts)})
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge
func (h *DashboardHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.alerts.Acknowledge(r.Context(), mux.Vars(r)["id"], identityFrom(r).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// QueueStats handles GET /v1/queue/stats
func (h *DashboardHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DeadLetters handles GET /v1/queue/{domain}/dead
func (h *DashboardHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	domain := models.Domain(mux.Vars(r)["domain"])
	if !domain.Valid() {
		writeError(w, apperr.Validation("api.DeadLetters", "unknown queue %q", domain))
		return
	}
	items, err := h.queue.DeadLetters(r.Context(), domain, queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listView(items, queueItemView))
}

// Redrive handles POST /v1/queue/items/{id}/redrive
func (h *DashboardHandler) Redrive(w http.ResponseWriter, r *http.Request) {
	item, err := h.queue.Redrive(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueItemView(item))
}

// RealtimeStats handles GET /v1/realtime/stats
func (h *DashboardHandler) RealtimeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Stats())
}

// Health handles GET /health
func (h *DashboardHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if report.Status != models.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Live handles GET /live
func (h *DashboardHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready handles GET /ready
func (h *DashboardHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ok, checks := h.health.Ready(r.Context(), h.ready...)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "checks": checks})
}
