package agent

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dailybot/internal/config"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	// defaultMaxRequestBodySize is the maximum allowed chat request body size.
	defaultMaxRequestBodySize = 1 << 20
	defaultSSERetry           = 5 * time.Second
	defaultKeepalive          = 15 * time.Second
	defaultQueueSize          = 100
)

// SSEConnection is one live stream client.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers recent proactive messages per user for replay after
// a reconnect. One user's burst cannot evict another user's messages.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// QueuedMessage is a buffered proactive message.
type QueuedMessage struct {
	EventID   int64
	Response  *Response
	Timestamp time.Time
}

// NewSSEMessageQueue creates a queue keeping at most maxSize messages per user.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = defaultQueueSize
	}
	return &SSEMessageQueue{queues: make(map[string]*list.List), maxSize: maxSize}
}

// Enqueue adds a message to the user's queue.
func (q *SSEMessageQueue) Enqueue(userID string, eventID int64, resp *Response) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[userID]
	if !ok {
		l = list.New()
		q.queues[userID] = l
	}
	l.PushBack(&QueuedMessage{EventID: eventID, Response: resp, Timestamp: time.Now()})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages returns the user's messages newer than afterEventID.
func (q *SSEMessageQueue) GetMissedMessages(userID string, afterEventID int64) []*QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[userID]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune drops the user's queue.
func (q *SSEMessageQueue) Prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}

// Handler serves the web chat API and the proactive message stream.
type Handler struct {
	agent          *Service
	rateLimiter    *RateLimiter
	broadcastChan  chan *Response
	sseConnections map[string]map[int64]*SSEConnection // userID -> connID -> conn
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64
	counterMu      sync.Mutex
	done           chan struct{}
	loopDone       chan struct{}
	closeOnce      sync.Once
	maxBodySize    int64
	retryDelay     time.Duration
	keepalive      time.Duration
}

// NewHandler creates a handler for svc. A nil cfg uses defaults.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	requests, window := 30, time.Minute
	if cfg != nil {
		requests = cfg.RateLimit.Requests
		window = cfg.RateLimit.Window
	}

	h := &Handler{
		agent:          svc,
		rateLimiter:    NewRateLimiter(requests, window),
		broadcastChan:  make(chan *Response, 64),
		sseConnections: make(map[string]map[int64]*SSEConnection),
		messageQueue:   NewSSEMessageQueue(defaultQueueSize),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		maxBodySize:    defaultMaxRequestBodySize,
		retryDelay:     defaultSSERetry,
		keepalive:      defaultKeepalive,
	}
	go h.broadcastLoop()
	return h
}

// HandleChat handles POST /api/agent/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("Agent chat request",
		"user_id", userID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	reply := h.agent.Handle(r.Context(), InboundEvent{
		UserID:  userID,
		Text:    req.Message,
		Channel: domain.ChannelWeb,
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ChatResponse{
		Response: reply.Text,
		Kind:     reply.Kind,
		Mode:     reply.Mode,
		Selected: reply.Selected,
	}); err != nil {
		slog.Warn("failed to write chat response", "user_id", userID, "error", err)
	}
}

// RegisterRoutes registers agent routes. The identity middleware must run first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/stream", h.HandleStream)
	})
}

// Deliver pushes text to the user's open streams. It returns
// domain.ErrSessionGone when the user has none.
func (h *Handler) Deliver(ctx context.Context, userID, text string) error {
	h.connectionsMu.RLock()
	n := len(h.sseConnections[userID])
	h.connectionsMu.RUnlock()
	if n == 0 {
		return fmt.Errorf("%w: no stream for user %s", domain.ErrSessionGone, userID)
	}

	resp := &Response{Type: ResponseTypeProactive, Content: text, UserID: userID}
	select {
	case h.broadcastChan <- resp:
		return nil
	case <-h.done:
		return fmt.Errorf("%w: stream handler closed", domain.ErrSessionGone)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background goroutines. It does not close the service.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.loopDone
		h.rateLimiter.Stop()
	})
}

// broadcastLoop distributes proactive messages to connected clients.
func (h *Handler) broadcastLoop() {
	defer close(h.loopDone)
	for {
		select {
		case <-h.done:
			return
		case resp := <-h.broadcastChan:
			if resp == nil {
				continue
			}

			h.counterMu.Lock()
			h.eventCounter++
			eventID := h.eventCounter
			h.counterMu.Unlock()

			h.messageQueue.Enqueue(resp.UserID, eventID, resp)

			h.connectionsMu.RLock()
			conns := make([]*SSEConnection, 0, len(h.sseConnections[resp.UserID]))
			for _, c := range h.sseConnections[resp.UserID] {
				conns = append(conns, c)
			}
			h.connectionsMu.RUnlock()

			if len(conns) == 0 {
				slog.Warn("No stream connections for proactive message", "user_id", resp.UserID)
				continue
			}
			for _, conn := range conns {
				h.sendToConnection(conn, eventID, resp)
			}
		}
	}
}

func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, resp *Response) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal SSE message", "error", err, "conn_id", conn.ID)
		return
	}
	if err := writeSSEWithID(conn.Writer, eventID, "message", string(data)); err != nil {
		slog.Error("Failed to write to SSE connection", "error", err, "conn_id", conn.ID, "user_id", conn.UserID)
		return
	}
	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles GET /api/agent/stream, the SSE stream of proactive
// messages. Clients may resume with Last-Event-ID.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var lastEventID int64
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[userID]; !exists {
		h.sseConnections[userID] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[userID][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()

		h.connectionsMu.Lock()
		last := false
		if conns, exists := h.sseConnections[userID]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.sseConnections, userID)
				last = true
			}
		}
		h.connectionsMu.Unlock()
		if last {
			h.messageQueue.Prune(userID)
		}
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		for _, msg := range h.messageQueue.GetMissedMessages(userID, lastEventID) {
			h.sendToConnection(conn, msg.EventID, msg.Response)
		}
	}

	conn.mu.Lock()
	err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","conn_id":%d}`, connID))
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	slog.Info("SSE connection established", "user_id", userID, "session_id", sessionID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := writeSSE(w, "ping", `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
