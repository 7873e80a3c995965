package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"ml-orchestrator/core/logger"
)

// Client event names
const (
	EventTrainingUpdate   = "training_update"
	EventEvaluationUpdate = "evaluation_update"
	EventDeploymentUpdate = "deployment_update"
	EventNotification     = "notification"
	EventAlert            = "alert"
)

// RoleAdmin marks identities that receive admin broadcasts
const RoleAdmin = "admin"

// Envelope is the frame pushed to clients for every event
type Envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stats summarises the live connections
type Stats struct {
	TotalConnections int `json:"totalConnections"`
	UniqueUsers      int `json:"uniqueUsers"`
	AdminCount       int `json:"adminCount"`
}

// Registry maps identities to their live connections. An identity stays in
// the admin set while it has at least one connection.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	admins map[string]struct{}

	now      func() time.Time
	observer func(total int)
}

type RegistryOption func(*Registry)

// WithRegistryClock sets the time source for envelope timestamps
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithConnectionObserver is called with the connection count after every change
func WithConnectionObserver(fn func(total int)) RegistryOption {
	return func(r *Registry) { r.observer = fn }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		users:  make(map[string]map[*Client]struct{}),
		admins: make(map[string]struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers c under its identity
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	conns, ok := r.users[c.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		r.users[c.UserID] = conns
	}
	conns[c] = struct{}{}
	if c.Role == RoleAdmin {
		r.admins[c.UserID] = struct{}{}
	}
	total := r.countLocked()
	r.mu.Unlock()

	logger.Debugf("user %s connected (%d live connections)", c.UserID, total)
	r.observe(total)
}

// Remove drops c. The identity goes away with its last connection.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	conns, ok := r.users[c.UserID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := conns[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.users, c.UserID)
		delete(r.admins, c.UserID)
	}
	total := r.countLocked()
	r.mu.Unlock()

	logger.Debugf("user %s disconnected (%d live connections)", c.UserID, total)
	r.observe(total)
}

func (r *Registry) observe(total int) {
	if r.observer != nil {
		r.observer(total)
	}
}

func (r *Registry) countLocked() int {
	n := 0
	for _, conns := range r.users {
		n += len(conns)
	}
	return n
}

func (r *Registry) clientsOf(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	out := make([]*Client, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) encode(event string, data interface{}) ([]byte, bool) {
	msg, err := json.Marshal(Envelope{Event: event, Data: data, Timestamp: r.now()})
	if err != nil {
		logger.Errorf("failed to encode %s message: %v", event, err)
		return nil, false
	}
	return msg, true
}

// SendToUser delivers an event to every open connection of userID and
// returns how many accepted it. Closed connections are skipped.
func (r *Registry) SendToUser(userID, event string, data interface{}) int {
	clients := r.clientsOf(userID)
	if len(clients) == 0 {
		return 0
	}
	msg, ok := r.encode(event, data)
	if !ok {
		return 0
	}
	return deliver(clients, msg)
}

// sendRaw delivers a protocol frame without the event envelope
func (r *Registry) sendRaw(userID string, v interface{}) int {
	clients := r.clientsOf(userID)
	msg, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("failed to encode message for user %s: %v", userID, err)
		return 0
	}
	return deliver(clients, msg)
}

// BroadcastToAdmins sends the event to every admin identity
func (r *Registry) BroadcastToAdmins(event string, data interface{}) int {
	r.mu.RLock()
	admins := make([]string, 0, len(r.admins))
	for id := range r.admins {
		admins = append(admins, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range admins {
		n += r.SendToUser(id, event, data)
	}
	return n
}

// Broadcast sends the event to every connection except those of exclude
func (r *Registry) Broadcast(event string, data interface{}, exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	r.mu.RLock()
	var clients []*Client
	for id, conns := range r.users {
		if _, ok := skip[id]; ok {
			continue
		}
		for c := range conns {
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()
	if len(clients) == 0 {
		return 0
	}
	msg, ok := r.encode(event, data)
	if !ok {
		return 0
	}
	return deliver(clients, msg)
}

func deliver(clients []*Client, msg []byte) int {
	n := 0
	for _, c := range clients {
		if c.Send(msg) {
			n++
		}
	}
	return n
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		TotalConnections: r.countLocked(),
		UniqueUsers:      len(r.users),
		AdminCount:       len(r.admins),
	}
}

// CloseAll closes every connection, e.g. on shutdown
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var clients []*Client
	for _, conns := range r.users {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}
