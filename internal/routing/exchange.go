package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/google/uuid"
)

// Outcome is the result of a multi-turn exchange. Reply is the final
// coordinator message, or the best partial output when the exchange stopped
// early.
type Outcome struct {
	ID         string `json:"id"`
	Transcript []Turn `json:"transcript"`
	Reply      string `json:"reply"`
}

// Exchange runs a bounded coordinator/specialist conversation.
type Exchange struct {
	router      *Router
	registry    *specialist.Registry
	maxRounds   int
	turnTimeout time.Duration
	logger      *slog.Logger
}

// ExchangeOption configures an Exchange.
type ExchangeOption func(*Exchange)

// WithTurnTimeout bounds each speaker turn, the same limit a broadcast
// dispatch applies per specialist. Zero leaves turns bounded by ctx only.
func WithTurnTimeout(d time.Duration) ExchangeOption {
	return func(e *Exchange) { e.turnTimeout = d }
}

// NewExchange creates an exchange runner. The registry must have a coordinator.
func NewExchange(router *Router, registry *specialist.Registry, maxRounds int, logger *slog.Logger, opts ...ExchangeOption) (*Exchange, error) {
	if registry.Coordinator() == nil {
		return nil, errors.New("routing: exchange requires a coordinator")
	}
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exchange{router: router, registry: registry, maxRounds: maxRounds, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run drives the exchange for one user request. A non-nil error is returned
// together with the partial Outcome when the exchange could not finish.
func (e *Exchange) Run(ctx context.Context, userID, text string) (Outcome, error) {
	out := Outcome{ID: uuid.NewString()}

	for {
		next, err := e.router.NextSpeaker(out.Transcript, e.maxRounds)
		if err != nil {
			e.logger.Warn("Exchange terminated", "exchange_id", out.ID, "user_id", userID, "turns", len(out.Transcript), "error", err)
			out.Reply = partialReply(out.Transcript)
			return out, err
		}
		if next == None {
			out.Reply = partialReply(out.Transcript)
			return out, nil
		}

		speaker := e.speaker(next)
		if speaker == nil {
			out.Reply = partialReply(out.Transcript)
			return out, fmt.Errorf("routing: no handler for %q", next)
		}

		reply, err := e.turn(ctx, speaker, userID, e.prompt(next, text, out.Transcript))
		if err != nil {
			e.logger.Warn("Exchange turn failed", "exchange_id", out.ID, "user_id", userID, "specialist", next, "error", err)
			out.Reply = partialReply(out.Transcript)
			return out, err
		}
		out.Transcript = append(out.Transcript, Turn{Speaker: next, Text: reply})
		e.logger.Debug("Exchange turn", "exchange_id", out.ID, "user_id", userID, "specialist", next, "turn", len(out.Transcript))
	}
}

type turnResult struct {
	text string
	err  error
}

// turn runs one speaker under the turn timeout. It returns when the timeout
// fires even if the speaker ignores ctx.
func (e *Exchange) turn(ctx context.Context, speaker specialist.Specialist, userID, prompt string) (string, error) {
	if e.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.turnTimeout)
		defer cancel()
	}

	done := make(chan turnResult, 1)
	go func() {
		text, err := speaker.Handle(ctx, userID, prompt)
		done <- turnResult{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s: %v", domain.ErrUpstreamTimeout, speaker.Tag(), ctx.Err())
		}
		return "", ctx.Err()
	}
}

func (e *Exchange) speaker(tag specialist.Tag) specialist.Specialist {
	if tag == specialist.TagCoordinator {
		return e.registry.Coordinator()
	}
	s, _ := e.registry.Get(tag)
	return s
}

// prompt builds the text handed to the next speaker.
func (e *Exchange) prompt(next specialist.Tag, request string, transcript []Turn) string {
	if len(transcript) == 0 {
		return "User request: " + request + "\n\nPlease analyze this request and say what kind of help it needs."
	}

	var b strings.Builder
	b.WriteString("User request: ")
	b.WriteString(request)
	b.WriteString("\n\nConversation so far:\n")
	for _, t := range transcript {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", e.registry.DisplayName(t.Speaker), t.Text)
	}
	if next == specialist.TagCoordinator {
		b.WriteString("\nCombine the specialist input above into the final reply to the user.")
	} else {
		b.WriteString("\nAnswer the user's request from your area of expertise.")
	}
	return b.String()
}

// partialReply prefers the newest coordinator synthesis after a specialist
// spoke, then the newest specialist reply, then anything.
func partialReply(transcript []Turn) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		t := transcript[i]
		if t.Speaker == specialist.TagCoordinator && specialistSpoke(transcript[:i]) && t.Text != "" {
			return t.Text
		}
	}
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Speaker != specialist.TagCoordinator && transcript[i].Text != "" {
			return transcript[i].Text
		}
	}
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Text != "" {
			return transcript[i].Text
		}
	}
	return ""
}
