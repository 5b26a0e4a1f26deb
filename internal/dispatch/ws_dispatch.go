package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/motopoint/internal/models"
	"github.com/example/motopoint/internal/observability"
)

// Roles a websocket view can subscribe as.
const (
	RoleDriver = "driver" // driver feed: every ride change
	RoleRide   = "ride"   // client view of one ride: changes to that ride only
)

const writeWait = 5 * time.Second

// WSSession is one connected view.
type WSSession struct {
	Role string
	ID   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.RideEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) wants(ev models.RideEvent) bool {
	switch s.Role {
	case RoleDriver:
		return true
	case RoleRide:
		return ev.RideID != "" && ev.RideID == s.ID
	}
	return false
}

// Hub holds the websocket sessions of this process and pushes ride events
// to the ones interested in them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[*WSSession]struct{}), logger: logger}
}

func (h *Hub) Add(role, id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{Role: role, ID: id, conn: conn}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.WSSessions.Inc()
	return s
}

func (h *Hub) Remove(s *WSSession) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		observability.WSSessions.Dec()
		_ = s.conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish sends ev to every matching session. Sessions whose write fails
// are dropped; a dead view is not an error for the caller.
func (h *Hub) Publish(_ context.Context, ev models.RideEvent) error {
	h.mu.RLock()
	targets := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		if s.wants(ev) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			h.logger.Debug("ws send failed, dropping session", "role", s.Role, "id", s.ID, "error", err)
			h.Remove(s)
		}
	}
	return nil
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*WSSession, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.Remove(s)
	}
}
