package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/coder/websocket"
)

// SessionManager tracks live chat sockets per user and session.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the connection for a user and session, or nil.
func (m *SessionManager) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection, closing any connection it replaces.
func (m *SessionManager) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[userID][sessionID] = conn
	slog.Info("Chat session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the current one for the session.
func (m *SessionManager) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat session unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession terminates every session of a user.
func (m *SessionManager) CloseSession(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	for sid, conn := range sessions {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Chat session closed", "user_id", userID, "session_id", sid)
	}
	delete(m.active, userID)
}

func (m *SessionManager) conns(userID string) []*websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(m.active[userID]))
	for _, c := range m.active[userID] {
		out = append(out, c)
	}
	return out
}

// Deliver writes a proactive message to every open session of the user.
func (m *SessionManager) Deliver(ctx context.Context, userID, text string) error {
	conns := m.conns(userID)
	if len(conns) == 0 {
		return fmt.Errorf("%w: no websocket for user %s", domain.ErrSessionGone, userID)
	}

	data, err := json.Marshal(outFrame{Type: frameProactive, Text: text})
	if err != nil {
		return err
	}
	delivered := 0
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Websocket write failed", "user_id", userID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("%w: all websocket writes failed for user %s", domain.ErrSessionGone, userID)
	}
	return nil
}
