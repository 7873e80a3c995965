package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/events"
	"ml-orchestrator/core/models"
	"ml-orchestrator/core/monitoring"
	"ml-orchestrator/core/queue"
	"ml-orchestrator/core/realtime"
	"ml-orchestrator/core/repository"
	"ml-orchestrator/core/service"
)

type harness struct {
	srv   *httptest.Server
	store *repository.Memory
	q     *queue.Queue
	auth  *realtime.JWTAuthenticator
	admin string
	user  string
	other string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemory()
	bus := events.NewBus()
	q := queue.New(queue.NewMemoryBackend(), queue.DefaultConfig())
	collector := monitoring.NewCollector(nil)
	auth := realtime.NewJWTAuthenticator("test-secret")
	health := monitoring.NewSystemHealth(store, collector).Add("database", store.Ping)

	h := &harness{store: store, q: q, auth: auth}
	h.srv = httptest.NewServer(NewRouter(Deps{
		Training:    service.NewTrainingService(store, q, bus, nil),
		Evaluations: service.NewEvaluationService(store, q, bus),
		Deployments: service.NewDeploymentService(store, q, bus, nil),
		Alerts:      monitoring.NewAlertManager(store, bus, monitoring.DefaultThresholds()),
		Health:      health,
		Collector:   collector,
		Queue:       q,
		Registry:    realtime.NewRegistry(),
		Auth:        auth,
		PipelineKey: "pipeline-key",
		ReadyChecks: []string{"database"},
	}))
	t.Cleanup(h.srv.Close)

	h.admin = h.token(t, "admin-1", realtime.RoleAdmin)
	h.user = h.token(t, "U1", "user")
	h.other = h.token(t, "U2", "user")
	return h
}

func (h *harness) token(t *testing.T, id, role string) string {
	tok, err := h.auth.Issue(realtime.Identity{UserID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Pipeline-Key", "pipeline-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func TestTrainingLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	status, job := h.do(t, "POST", "/v1/training", h.user, map[string]interface{}{
		"modelId":         "m1",
		"hyperparameters": map[string]interface{}{"lr": 0.01},
		"epochs":          3,
	})
	require.Equal(t, http.StatusCreated, status)
	id := job["id"].(string)
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, "U1", job["userId"])

	stats, err := h.q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.DomainTraining].Ready)

	status, _ = h.do(t, "GET", "/v1/training/"+id, h.other, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = h.do(t, "GET", "/v1/training/"+id, h.admin, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := h.do(t, "POST", "/v1/callbacks/training/"+id+"/progress", "", map[string]interface{}{"progress": 5, "status": "preprocessing"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "preprocessing", body["status"])
	status, body = h.do(t, "POST", "/v1/callbacks/training/"+id+"/progress", "", map[string]interface{}{"progress": 40, "message": "epoch 1", "status": "training"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "training", body["status"])

	status, body = h.do(t, "POST", "/v1/callbacks/training/"+id+"/complete", "", map[string]interface{}{"metrics": map[string]interface{}{"accuracy": 0.93}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["status"])

	// redelivery is accepted
	status, _ = h.do(t, "POST", "/v1/callbacks/training/"+id+"/complete", "", map[string]interface{}{"metrics": map[string]interface{}{"accuracy": 0.93}})
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.do(t, "POST", "/v1/training/"+id+"/cancel", h.user, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, list := h.do(t, "GET", "/v1/training", h.user, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, list["count"])
}

func TestValidationAndAuthErrors(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, "POST", "/v1/training", "", map[string]interface{}{"modelId": "m1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := h.do(t, "POST", "/v1/training", h.user, map[string]interface{}{"modelId": "m1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "hyperparameters")

	status, _ = h.do(t, "POST", "/v1/deployments", h.user, map[string]interface{}{"modelId": "m1"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, "POST", "/v1/callbacks/training/missing/complete", "", map[string]interface{}{"metrics": map[string]interface{}{"accuracy": 1}})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, "POST", "/v1/callbacks/training/missing/fail", "", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPipelineKeyRequired(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest("POST", h.srv.URL+"/v1/callbacks/deployments/D1/status", bytes.NewBufferString(`{"status":"active"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorEndpoints(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, "GET", "/v1/alerts", h.user, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body := h.do(t, "GET", "/v1/alerts", h.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])

	status, _ = h.do(t, "GET", "/v1/queue/bogus/dead", h.admin, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, "GET", "/v1/queue/deployment/dead", h.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])

	status, _ = h.do(t, "POST", "/v1/queue/items/nope/redrive", h.admin, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = h.do(t, "GET", "/v1/realtime/stats", h.admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["totalConnections"])
}

func TestProbes(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, "GET", "/live", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := h.do(t, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, body = h.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	h.store.SetPingError(assert.AnError)
	status, _ = h.do(t, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
