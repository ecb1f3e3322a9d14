package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/identity"
	"github.com/coder/websocket"
)

const (
	frameMessage   = "message"
	framePing      = "ping"
	framePong      = "pong"
	frameReply     = "reply"
	frameProactive = "proactive"
	frameError     = "error"

	maxFrameBytes = 64 << 10
)

// inFrame is a client message. A frame without a type is a chat message.
type inFrame struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

type outFrame struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Kind     agent.ReplyKind `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
	Selected []string        `json:"selected,omitempty"`
}

// Limiter throttles inbound messages per user.
type Limiter interface {
	Allow(key string) bool
}

// WebSocketHandler serves the websocket chat channel.
type WebSocketHandler struct {
	orch          Orchestrator
	sm            *SessionManager
	limiter       Limiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a websocket chat handler. limiter may be nil.
func NewWebSocketHandler(orch Orchestrator, sm *SessionManager, limiter Limiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		orch:          orch,
		sm:            sm,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP upgrades the request and runs the chat loop until the client
// goes away.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.sm.Register(userID, sessionID, ws)
	defer h.sm.Unregister(userID, sessionID, ws)

	h.readLoop(r.Context(), ws, userID)
	slog.Info("Chat session ended", "user_id", userID, "session_id", sessionID)
}

// readLoop handles one frame at a time, so a user's messages on one socket
// are answered in order.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inFrame
		if err := json.Unmarshal(message, &msg); err != nil {
			msg = inFrame{Type: frameMessage, Text: string(message)}
		}

		switch msg.Type {
		case framePing:
			h.write(ctx, ws, outFrame{Type: framePong})
			continue
		case "", frameMessage:
		default:
			h.write(ctx, ws, outFrame{Type: frameError, Error: "unknown frame type"})
			continue
		}

		if strings.TrimSpace(msg.Text) == "" {
			h.write(ctx, ws, outFrame{Type: frameError, Error: "text is required"})
			continue
		}
		if h.limiter != nil && !h.limiter.Allow(userID) {
			h.write(ctx, ws, outFrame{Type: frameError, Error: "rate limit exceeded"})
			continue
		}

		reply := h.orch.Handle(ctx, agent.InboundEvent{UserID: userID, Text: msg.Text, Channel: domain.ChannelWeb})
		selected := make([]string, len(reply.Selected))
		for i, t := range reply.Selected {
			selected[i] = string(t)
		}
		h.write(ctx, ws, outFrame{Type: frameReply, Text: reply.Text, Kind: reply.Kind, Selected: selected})
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, f outFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("Failed to encode websocket frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write websocket frame", "type", f.Type, "error", err)
	}
}
