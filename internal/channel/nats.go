package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/nats-io/nats.go"
)

const natsProcessTimeout = 2 * time.Minute

// NATSConfig configures the bridge.
type NATSConfig struct {
	URL             string
	InboundSubject  string
	OutboundPrefix  string
	ReconnectWait   time.Duration
	MaxReconnection int
}

// natsMessage is the wire format for both directions.
type natsMessage struct {
	UserID      string             `json:"user_id"`
	Text        string             `json:"text"`
	ChannelKind domain.ChannelKind `json:"channel_kind,omitempty"`
	Kind        agent.ReplyKind    `json:"kind,omitempty"`
	Proactive   bool               `json:"proactive,omitempty"`
}

// natsConn is the subset of *nats.Conn the bridge uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSBridge consumes inbound messages from a subject and publishes replies
// and proactive messages to <prefix>.<user_id>.
type NATSBridge struct {
	conn   natsConn
	orch   Orchestrator
	cfg    NATSConfig
	logger *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectNATS dials the server and returns a bridge. Start must be called to
// consume inbound messages.
func ConnectNATS(cfg NATSConfig, orch Orchestrator, logger *slog.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("dailybot"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnection),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return newNATSBridge(nc, orch, cfg, logger), nil
}

func newNATSBridge(conn natsConn, orch Orchestrator, cfg NATSConfig, logger *slog.Logger) *NATSBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBridge{conn: conn, orch: orch, cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
}

// Start subscribes to the inbound subject.
func (b *NATSBridge) Start() error {
	if _, err := b.conn.Subscribe(b.cfg.InboundSubject, b.handleMsg); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.InboundSubject, err)
	}
	b.logger.Info("NATS bridge listening", "subject", b.cfg.InboundSubject)
	return nil
}

func (b *NATSBridge) handleMsg(m *nats.Msg) {
	var in natsMessage
	if err := json.Unmarshal(m.Data, &in); err != nil {
		b.logger.Warn("Dropping malformed NATS message", "subject", m.Subject, "error", err)
		return
	}
	if in.UserID == "" || strings.TrimSpace(in.Text) == "" {
		b.logger.Warn("Dropping NATS message without user or text", "subject", m.Subject)
		return
	}
	if !subjectToken(in.UserID) {
		b.logger.Warn("Dropping NATS message with unusable user id", "subject", m.Subject, "user_id", in.UserID)
		return
	}
	if in.ChannelKind == "" {
		in.ChannelKind = domain.ChannelNATS
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, natsProcessTimeout)
		defer cancel()

		reply := b.orch.Handle(ctx, agent.InboundEvent{UserID: in.UserID, Text: in.Text, Channel: in.ChannelKind})
		if err := b.publish(natsMessage{UserID: in.UserID, Text: reply.Text, Kind: reply.Kind}); err != nil {
			b.logger.Warn("Failed to publish NATS reply", "user_id", in.UserID, "error", err)
		}
	}()
}

// Deliver publishes a proactive message for the user.
func (b *NATSBridge) Deliver(_ context.Context, userID, text string) error {
	return b.publish(natsMessage{UserID: userID, Text: text, Proactive: true})
}

func (b *NATSBridge) publish(msg natsMessage) error {
	if !subjectToken(msg.UserID) {
		return fmt.Errorf("%w: user id %q is not a valid subject token", domain.ErrValidation, msg.UserID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.Subject(msg.UserID), data); err != nil {
		return fmt.Errorf("%w: nats publish: %v", domain.ErrUpstream, err)
	}
	return nil
}

// Subject returns the outbound subject for a user.
func (b *NATSBridge) Subject(userID string) string {
	return b.cfg.OutboundPrefix + "." + userID
}

// subjectToken reports whether id can stand as a single NATS subject token.
func subjectToken(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// Close waits for in-flight messages and drains the connection.
func (b *NATSBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	b.cancel()
	return b.conn.Drain()
}
