package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ml-orchestrator/core/logger"
)

// Handler upgrades HTTP requests to registered realtime connections
type Handler struct {
	registry *Registry
	auth     Authenticator
	upgrader websocket.Upgrader
}

// NewHandler creates the /ws handler. With no allowed origins every origin
// is accepted.
func NewHandler(reg *Registry, auth Authenticator, allowedOrigins ...string) *Handler {
	h := &Handler{
		registry: reg,
		auth:     auth,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	if len(allowedOrigins) == 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	} else {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
	return h
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ServeHTTP authenticates after the upgrade so a rejected client receives a
// policy violation close frame rather than an HTTP error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	token := tokenFrom(r)
	if token == "" {
		reject(conn, "Authentication token required")
		return
	}
	id, err := h.auth.Authenticate(token)
	if err != nil {
		logger.Warnf("websocket authentication failed: %v", err)
		reject(conn, "Authentication failed")
		return
	}

	c := newClient(h.registry, conn, id)
	h.registry.Add(c)
	c.sendJSON(map[string]interface{}{
		"type":      "connected",
		"userId":    id.UserID,
		"timestamp": h.registry.now(),
	})
	go c.writePump()
	go c.readPump()
}

func reject(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}
