package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-orchestrator/core/events"
	"ml-orchestrator/core/models"
)

type nopTransport struct{}

func (nopTransport) ReadMessage() (int, []byte, error)         { select {} }
func (nopTransport) WriteMessage(int, []byte) error            { return nil }
func (nopTransport) SetReadLimit(int64)                        {}
func (nopTransport) SetReadDeadline(time.Time) error           { return nil }
func (nopTransport) SetWriteDeadline(time.Time) error          { return nil }
func (nopTransport) SetPongHandler(func(appData string) error) {}
func (nopTransport) Close() error                              { return nil }

func connect(reg *Registry, user, role string) *Client {
	c := newClient(reg, nopTransport{}, Identity{UserID: user, Role: role})
	reg.Add(c)
	return c
}

func received(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case msg := <-c.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(msg, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestSendToUserReachesEveryConnection(t *testing.T) {
	reg := NewRegistry()
	phone := connect(reg, "U1", "user")
	laptop := connect(reg, "U1", "user")
	other := connect(reg, "U2", "user")

	assert.Equal(t, 2, reg.SendToUser("U1", EventTrainingUpdate, map[string]interface{}{"jobId": "T1"}))
	assert.Len(t, received(t, phone), 1)
	assert.Len(t, received(t, laptop), 1)
	assert.Empty(t, received(t, other))

	assert.Zero(t, reg.SendToUser("nobody", EventTrainingUpdate, nil))
}

func TestSendSkipsClosedConnections(t *testing.T) {
	reg := NewRegistry()
	open := connect(reg, "U1", "user")
	closed := newClient(reg, nopTransport{}, Identity{UserID: "U1"})
	reg.Add(closed)
	close(closed.done)

	assert.Equal(t, 1, reg.SendToUser("U1", EventNotification, "hi"))
	assert.Len(t, received(t, open), 1)
}

func TestAdminSetFollowsConnections(t *testing.T) {
	var observed atomic.Int32
	reg := NewRegistry(WithConnectionObserver(func(n int) { observed.Store(int32(n)) }))
	a1 := connect(reg, "A", RoleAdmin)
	a2 := connect(reg, "A", RoleAdmin)
	u := connect(reg, "U", "user")

	assert.Equal(t, Stats{TotalConnections: 3, UniqueUsers: 2, AdminCount: 1}, reg.Stats())
	assert.EqualValues(t, 3, observed.Load())

	assert.Equal(t, 2, reg.BroadcastToAdmins(EventAlert, map[string]string{"type": "high_memory_usage"}))
	assert.Empty(t, received(t, u))

	a1.Close()
	assert.Equal(t, 1, reg.Stats().AdminCount)
	a2.Close()
	assert.Equal(t, Stats{TotalConnections: 1, UniqueUsers: 1, AdminCount: 0}, reg.Stats())
	assert.Zero(t, reg.BroadcastToAdmins(EventAlert, nil))
	assert.EqualValues(t, 1, observed.Load())

	a2.Close()
	assert.Equal(t, 1, reg.Stats().TotalConnections)
}

func TestBroadcastExcludes(t *testing.T) {
	reg := NewRegistry()
	u1 := connect(reg, "U1", "user")
	u2 := connect(reg, "U2", "user")
	u3 := connect(reg, "U3", "user")

	assert.Equal(t, 2, reg.Broadcast(EventNotification, "maintenance", "U2"))
	assert.Len(t, received(t, u1), 1)
	assert.Empty(t, received(t, u2))
	assert.Len(t, received(t, u3), 1)
}

func TestFullBufferDropsMessages(t *testing.T) {
	reg := NewRegistry()
	c := connect(reg, "U1", "user")
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.Send([]byte("{}")))
	}
	assert.False(t, c.Send([]byte("{}")))
}

func TestJWTAuthenticator(t *testing.T) {
	auth := NewJWTAuthenticator("secret")
	token, err := auth.Issue(Identity{UserID: "U1", Role: RoleAdmin}, time.Minute)
	require.NoError(t, err)

	id, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "U1", Role: RoleAdmin}, id)

	_, err = NewJWTAuthenticator("other").Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Authenticate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := auth.Issue(Identity{UserID: "U1"}, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Authenticate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var v map[string]interface{}
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func TestHandlerRejectsWithPolicyViolation(t *testing.T) {
	reg := NewRegistry()
	srv := httptest.NewServer(NewHandler(reg, NewJWTAuthenticator("secret")))
	defer srv.Close()

	for _, token := range []string{"", "garbage"} {
		conn, err := dial(t, srv, token)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "token %q: %v", token, err)
		conn.Close()
	}
	assert.Zero(t, reg.Stats().TotalConnections)
}

func TestHandlerSessionLifecycle(t *testing.T) {
	reg := NewRegistry()
	auth := NewJWTAuthenticator("secret")
	srv := httptest.NewServer(NewHandler(reg, auth))
	defer srv.Close()

	token, err := auth.Issue(Identity{UserID: "U1"}, time.Minute)
	require.NoError(t, err)
	conn, err := dial(t, srv, token)
	require.NoError(t, err)

	hello := readJSON(t, conn)
	assert.Equal(t, "connected", hello["type"])
	assert.Equal(t, "U1", hello["userId"])
	assert.Equal(t, 1, reg.Stats().TotalConnections)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "channel": "training"}))
	ack := readJSON(t, conn)
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, []interface{}{"training"}, ack["channels"])

	reg.SendToUser("U1", EventTrainingUpdate, map[string]string{"jobId": "T1"})
	update := readJSON(t, conn)
	assert.Equal(t, EventTrainingUpdate, update["event"])
	assert.Equal(t, map[string]interface{}{"jobId": "T1"}, update["data"])
	assert.NotEmpty(t, update["timestamp"])

	conn.Close()
	require.Eventually(t, func() bool { return reg.Stats().TotalConnections == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeForwardsEvents(t *testing.T) {
	bus := events.NewBus()
	reg := NewRegistry()
	unsubscribe := Bridge(bus, reg)
	owner := connect(reg, "U1", "user")
	admin := connect(reg, "A1", RoleAdmin)
	ctx := context.Background()

	bus.Emit(ctx, events.Event{Name: events.TrainingProgress, OwnerID: "U1", Payload: events.TrainingEvent{
		Job:     models.TrainingJob{ID: "T1", Status: models.TrainingValidating, Progress: 95},
		Message: "validating on holdout",
	}})
	bus.Emit(ctx, events.Event{Name: events.TrainingCompleted, OwnerID: "U1", Payload: events.TrainingEvent{
		Job: models.TrainingJob{ID: "T1", Status: models.TrainingCompleted, Progress: 100, ResultMetrics: models.Metrics{"accuracy": 0.9}},
	}})
	bus.Emit(ctx, events.Event{Name: events.DeploymentUpdated, OwnerID: "U1", Payload: events.DeploymentEvent{
		Deployment: models.Deployment{ID: "D1", Status: models.DeploymentUpdating},
	}})
	bus.Emit(ctx, events.Event{Name: events.DeploymentActive, OwnerID: "U1", Payload: events.DeploymentEvent{
		Deployment: models.Deployment{ID: "D1", Status: models.DeploymentActive, Endpoint: "http://d1"},
	}})
	bus.Emit(ctx, events.Event{Name: events.AlertRaised, Payload: events.AlertEvent{
		Alert: models.Alert{ID: "al-1", Type: models.AlertUnhealthyDeployments, Severity: models.SeverityError},
	}})

	got := received(t, owner)
	require.Len(t, got, 4)
	assert.Equal(t, EventTrainingUpdate, got[0].Event)
	progress := got[0].Data.(map[string]interface{})
	assert.Equal(t, "validating", progress["status"])
	assert.Equal(t, "progress", progress["update"])
	assert.Equal(t, 95.0, progress["progress"])
	assert.Equal(t, "validating on holdout", progress["message"])

	training := got[1].Data.(map[string]interface{})
	assert.Equal(t, "completed", training["status"])
	assert.Equal(t, 100.0, training["progress"])
	assert.Equal(t, map[string]interface{}{"accuracy": 0.9}, training["metrics"])

	assert.Equal(t, EventDeploymentUpdate, got[2].Event)
	updating := got[2].Data.(map[string]interface{})
	assert.Equal(t, "updating", updating["status"])
	assert.Equal(t, "updated", updating["update"])
	active := got[3].Data.(map[string]interface{})
	assert.Equal(t, "active", active["status"])
	assert.Equal(t, "http://d1", active["endpoint"])

	alerts := received(t, admin)
	require.Len(t, alerts, 1)
	assert.Equal(t, EventAlert, alerts[0].Event)
	assert.Equal(t, "unhealthy_deployments", alerts[0].Data.(map[string]interface{})["type"])

	unsubscribe()
	bus.Emit(ctx, events.Event{Name: events.TrainingStarted, OwnerID: "U1", Payload: events.TrainingEvent{}})
	assert.Empty(t, received(t, owner))
}
