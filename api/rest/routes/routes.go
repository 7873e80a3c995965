package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"ml-orchestrator/api/rest/handlers"
	"ml-orchestrator/core/monitoring"
	"ml-orchestrator/core/realtime"
	"ml-orchestrator/core/service"
)

// Deps are the components the HTTP surface is built on
type Deps struct {
	Training    *service.TrainingService
	Evaluations *service.EvaluationService
	Deployments *service.DeploymentService
	Alerts      *monitoring.AlertManager
	Health      *monitoring.SystemHealth
	Collector   *monitoring.Collector
	Queue       handlers.DeadLetterQueue
	Registry    *realtime.Registry
	Auth        realtime.Authenticator

	PipelineKey    string
	AllowedOrigins []string
	ReadyChecks    []string
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, d Deps) {
	dashboard := handlers.NewDashboardHandler(d.Alerts, d.Queue, d.Registry, d.Health, d.ReadyChecks...)

	r.HandleFunc("/health", dashboard.Health).Methods("GET")
	r.HandleFunc("/live", dashboard.Live).Methods("GET")
	r.HandleFunc("/ready", dashboard.Ready).Methods("GET")
	if d.Collector != nil {
		r.Handle("/metrics", d.Collector.Handler()).Methods("GET")
	}
	r.Handle("/ws", realtime.NewHandler(d.Registry, d.Auth, d.AllowedOrigins...))

	// Pipeline callbacks
	callbacks := handlers.NewCallbackHandler(d.Training, d.Evaluations, d.Deployments)
	cb := r.PathPrefix("/v1/callbacks").Subrouter()
	cb.Use(handlers.PipelineKey(d.PipelineKey))
	cb.HandleFunc("/training/{id}/progress", callbacks.TrainingProgress).Methods("POST")
	cb.HandleFunc("/training/{id}/complete", callbacks.TrainingComplete).Methods("POST")
	cb.HandleFunc("/training/{id}/fail", callbacks.TrainingFail).Methods("POST")
	cb.HandleFunc("/evaluations/{id}/results", callbacks.EvaluationResults).Methods("POST")
	cb.HandleFunc("/evaluations/{id}/fail", callbacks.EvaluationFail).Methods("POST")
	cb.HandleFunc("/deployments/{id}/status", callbacks.DeploymentStatus).Methods("POST")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(handlers.Authenticate(d.Auth))

	// Training endpoints
	jobs := handlers.NewJobHandler(d.Training)
	api.HandleFunc("/training", jobs.SubmitJob).Methods("POST")
	api.HandleFunc("/training", jobs.ListJobs).Methods("GET")
	api.HandleFunc("/training/{id}", jobs.GetJob).Methods("GET")
	api.HandleFunc("/training/{id}/cancel", jobs.CancelJob).Methods("POST")

	// Evaluation endpoints
	evaluations := handlers.NewEvaluationHandler(d.Evaluations)
	api.HandleFunc("/evaluations", evaluations.Create).Methods("POST")
	api.HandleFunc("/evaluations", evaluations.List).Methods("GET")
	api.HandleFunc("/evaluations/compare", evaluations.Compare).Methods("POST")
	api.HandleFunc("/evaluations/{id}", evaluations.Get).Methods("GET")

	// Deployment endpoints
	deployments := handlers.NewDeploymentHandler(d.Deployments)
	api.HandleFunc("/deployments", deployments.Create).Methods("POST")
	api.HandleFunc("/deployments", deployments.List).Methods("GET")
	api.HandleFunc("/deployments/{id}", deployments.Get).Methods("GET")
	api.HandleFunc("/deployments/{id}", deployments.Delete).Methods("DELETE")
	api.HandleFunc("/deployments/{id}/scale", deployments.Scale).Methods("POST")
	api.HandleFunc("/deployments/{id}/deactivate", deployments.Deactivate).Methods("POST")

	// Operator endpoints
	admin := api.NewRoute().Subrouter()
	admin.Use(handlers.RequireAdmin)
	admin.HandleFunc("/alerts", dashboard.ActiveAlerts).Methods("GET")
	admin.HandleFunc("/alerts/history", dashboard.AlertHistory).Methods("GET")
	admin.HandleFunc("/alerts/{id}/acknowledge", dashboard.AcknowledgeAlert).Methods("POST")
	admin.HandleFunc("/queue/stats", dashboard.QueueStats).Methods("GET")
	admin.HandleFunc("/queue/{domain}/dead", dashboard.DeadLetters).Methods("GET")
	admin.HandleFunc("/queue/items/{id}/redrive", dashboard.Redrive).Methods("POST")
	admin.HandleFunc("/realtime/stats", dashboard.RealtimeStats).Methods("GET")
}

// NewRouter builds a router with every route registered
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	SetupRoutes(r, d)
	return r
}
