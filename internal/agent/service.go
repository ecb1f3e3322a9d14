package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/onboarding"
	"github.com/ashureev/dailybot/internal/routing"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/ashureev/dailybot/internal/synthesis"
	"go.opentelemetry.io/otel/attribute"
)

// Mode selects how an onboarded user's message is answered.
type Mode string

const (
	// ModeBroadcast routes once and synthesizes the selected replies.
	ModeBroadcast Mode = "broadcast"
	// ModeExchange runs the coordinator/specialist turn exchange.
	ModeExchange Mode = "exchange"
)

const (
	errorReply = "Sorry, something went wrong on my side. Please try again in a moment."
	emptyReply = "I'm here. What can I help you with?"
)

// UserStore is the persistence the orchestrator reads and annotates.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	MergeUpdate(ctx context.Context, userID string, patch domain.UserPatch) (*domain.User, error)
	LogInteraction(ctx context.Context, in domain.Interaction) error
}

// Onboarder advances the onboarding dialog.
type Onboarder interface {
	Advance(ctx context.Context, userID, text string) (onboarding.Result, error)
}

// Service is the orchestrator. It is safe for concurrent use.
type Service struct {
	store      UserStore
	onboarder  Onboarder
	router     *routing.Router
	dispatcher *Dispatcher
	synth      *synthesis.Synthesizer
	exchange   *routing.Exchange
	mode       Mode
	convLog    ConversationLogger
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithExchange enables exchange mode with ex.
func WithExchange(ex *routing.Exchange) Option {
	return func(s *Service) {
		s.exchange = ex
		s.mode = ModeExchange
	}
}

// WithConversationLogger sets the conversation logger.
func WithConversationLogger(l ConversationLogger) Option {
	return func(s *Service) { s.convLog = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates an orchestrator in broadcast mode.
func NewService(store UserStore, onboarder Onboarder, router *routing.Router, dispatcher *Dispatcher, synth *synthesis.Synthesizer, opts ...Option) *Service {
	s := &Service{
		store:      store,
		onboarder:  onboarder,
		router:     router,
		dispatcher: dispatcher,
		synth:      synth,
		mode:       ModeBroadcast,
		convLog:    noopConversationLogger{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the active orchestration mode.
func (s *Service) Mode() Mode {
	return s.mode
}

// Handle answers one inbound message. It never fails: collaborator errors
// become an apology or retry reply.
func (s *Service) Handle(ctx context.Context, ev InboundEvent) Reply {
	ctx, span := startSpan(ctx, "agent.handle",
		attribute.String("user.id", ev.UserID),
		attribute.String("channel", string(ev.Channel)),
	)
	s.logMessage(ev, "inbound", "user_message", ev.Text, nil)

	start := time.Now()
	reply, err := s.handle(ctx, ev)
	if strings.TrimSpace(reply.Text) == "" {
		reply = Reply{Text: errorReply, Kind: ReplyError}
	}

	span.SetAttributes(attribute.String("reply.kind", string(reply.Kind)), attribute.String("reply.mode", reply.Mode))
	endSpan(span, err)

	s.logger.Info("Message handled",
		"user_id", ev.UserID,
		"channel", ev.Channel,
		"kind", reply.Kind,
		"mode", reply.Mode,
		"duration", time.Since(start),
	)
	s.logMessage(ev, "outbound", "assistant_message", reply.Text, map[string]any{
		"kind":     reply.Kind,
		"mode":     reply.Mode,
		"selected": reply.Selected,
	})
	return reply
}

func (s *Service) handle(ctx context.Context, ev InboundEvent) (Reply, error) {
	s.recordInteraction(ctx, ev)

	user, err := s.store.GetUser(ctx, ev.UserID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		user = nil
	case err != nil:
		s.logger.Error("Failed to load user", "user_id", ev.UserID, "error", err)
		return Reply{Text: errorReply, Kind: ReplyError}, err
	}

	if !onboarding.CheckGate(user) {
		res, err := s.onboarder.Advance(ctx, ev.UserID, ev.Text)
		if err != nil && !errors.Is(err, domain.ErrValidation) {
			s.logger.Warn("Onboarding advance failed", "user_id", ev.UserID, "error", err)
		}
		s.touchChannel(ctx, res.User, ev.Channel)
		return Reply{Text: res.Reply, Kind: ReplyOnboarding, Mode: string(res.To)}, err
	}

	s.touchChannel(ctx, user, ev.Channel)

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Reply{Text: emptyReply, Kind: ReplySpecialists}, nil
	}
	if s.mode == ModeExchange && s.exchange != nil {
		reply, err := s.runExchange(ctx, ev.UserID, text)
		if err == nil || strings.TrimSpace(reply.Text) != "" {
			return reply, err
		}
		s.logger.Warn("Exchange produced no output, falling back to broadcast", "user_id", ev.UserID, "error", err)
	}
	return s.broadcast(ctx, ev.UserID, text), nil
}

// broadcast routes text once, dispatches the selected specialists and
// synthesizes their replies.
func (s *Service) broadcast(ctx context.Context, userID, text string) Reply {
	decision := s.router.Select(text)
	s.logger.Debug("Routed message", "user_id", userID, "selected", decision.Selected, "reason", decision.Reason)

	results := s.dispatcher.Dispatch(ctx, userID, text, decision.Selected)

	ctx, span := startSpan(ctx, "agent.synthesize", attribute.Int("results", len(results)))
	out := s.synth.Synthesize(ctx, userID, text, results)
	span.SetAttributes(attribute.String("synthesis.mode", string(out.Mode)))
	span.End()

	return Reply{
		Text:     out.Text,
		Kind:     ReplySpecialists,
		Mode:     string(out.Mode),
		Selected: decision.Selected,
	}
}

func (s *Service) runExchange(ctx context.Context, userID, text string) (Reply, error) {
	ctx, span := startSpan(ctx, "agent.exchange", attribute.String("user.id", userID))
	out, err := s.exchange.Run(ctx, userID, text)
	span.SetAttributes(attribute.String("exchange.id", out.ID), attribute.Int("exchange.turns", len(out.Transcript)))
	endSpan(span, err)

	spoke := make([]specialist.Tag, 0, len(out.Transcript))
	for _, t := range out.Transcript {
		if t.Speaker != specialist.TagCoordinator {
			spoke = append(spoke, t.Speaker)
		}
	}
	return Reply{
		Text:       out.Reply,
		Kind:       ReplyExchange,
		Mode:       string(ModeExchange),
		Selected:   spoke,
		ExchangeID: out.ID,
	}, err
}

func (s *Service) recordInteraction(ctx context.Context, ev InboundEvent) {
	err := s.store.LogInteraction(ctx, domain.Interaction{
		UserID:  ev.UserID,
		Kind:    "message",
		Channel: ev.Channel,
	})
	if err != nil {
		s.logger.Warn("Failed to record interaction", "user_id", ev.UserID, "error", err)
	}
}

// touchChannel remembers where the user last wrote from so proactive
// messages reach them there. It only annotates existing records.
func (s *Service) touchChannel(ctx context.Context, user *domain.User, channel domain.ChannelKind) {
	if user == nil || channel == "" || user.LastChannel == channel {
		return
	}
	if _, err := s.store.MergeUpdate(ctx, user.UserID, domain.UserPatch{LastChannel: domain.Ptr(channel)}); err != nil {
		s.logger.Warn("Failed to record last channel", "user_id", user.UserID, "channel", channel, "error", err)
	}
}

func (s *Service) logMessage(ev InboundEvent, direction, eventType, content string, meta map[string]any) {
	s.convLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     ev.UserID,
		SessionID:  string(ev.Channel),
		Channel:    string(ev.Channel),
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// Close flushes the conversation log.
func (s *Service) Close() error {
	return s.convLog.Close()
}
