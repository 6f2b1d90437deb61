package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
)

// Hub tracks the sessions connected to this instance, one per user. A new
// connection for an already-connected user replaces the old session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*session)}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	old := h.sessions[s.userID]
	h.sessions[s.userID] = s
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	logger.Info("ws_session_registered", "Session registered",
		zap.String("user_id", s.userID), zap.String("role", s.role))
}

// unregister drops the session only if it is still the current one for the
// user; a replaced session must not evict its replacement.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.userID] == s {
		delete(h.sessions, s.userID)
	}
	h.mu.Unlock()
	logger.Info("ws_session_unregistered", "Session unregistered",
		zap.String("user_id", s.userID))
}

// SendTo delivers a frame to a locally connected user. Returns false when
// the user has no session on this instance.
func (h *Hub) SendTo(userID string, frame []byte) bool {
	h.mu.RLock()
	s, ok := h.sessions[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	s.enqueue(frame)
	return true
}

// BroadcastRole fans a frame out to every local session with the given role.
func (h *Hub) BroadcastRole(role string, frame []byte) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.role == role {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(frame)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
