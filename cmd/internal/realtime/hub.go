package realtime

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "claimgate/shared/contracts/events/v1"
)

// Hub tracks live connections per user and fans server events out to them.
//
// Publish never blocks: a connection whose queue is full misses the event.
// Clients are expected to re-read state over HTTP after reconnecting.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// Register adds an authenticated client.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.UserID == "" || c.ConnID == "" {
		return
	}
	h.mu.Lock()
	conns, ok := h.users[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		h.users[c.UserID] = conns
	}
	conns[c.ConnID] = c
	n := len(conns)
	h.mu.Unlock()

	h.log.Info("ws.hub.register", "user_id", c.UserID, "conn_id", c.ConnID, "user_conns", n)
}

// Unregister removes a client and signals it to stop.
func (h *Hub) Unregister(c *Client) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	if conns, ok := h.users[c.UserID]; ok {
		delete(conns, c.ConnID)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
		}
	}
	h.mu.Unlock()

	// Removed before Close so a concurrent Publish never targets a closing client.
	c.Close()
	h.log.Info("ws.hub.unregister", "user_id", c.UserID, "conn_id", c.ConnID)
}

// Connections reports the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Publish sends one event to every connection of userID and returns how many
// queues accepted it.
func (h *Hub) Publish(userID, typ string, payload any) (int, error) {
	if h == nil {
		return 0, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrInvalidEvent
	}
	if _, ok := v1.AllowedTypes[typ]; !ok {
		return 0, ErrInvalidEvent
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	env, err := newEnvelope(typ, raw, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.users[userID] {
		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			delivered++
		default:
			h.log.Warn("ws.hub.drop", "user_id", userID, "conn_id", c.ConnID, "type", typ)
		}
	}
	return delivered, nil
}
