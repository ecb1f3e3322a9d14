package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const (
	slackProcessTimeout = 2 * time.Minute
	maxSlackBodyBytes   = 1 << 20
	mentionNotice       = "I've sent you a direct message to finish setting up your account."
)

// slackGoneErrors are Web API errors meaning the user cannot be reached.
var slackGoneErrors = []string{"channel_not_found", "user_not_found", "account_inactive", "is_archived", "user_disabled", "not_in_channel"}

// SlackClient posts messages through the Slack Web API.
type SlackClient struct {
	api *slack.Client
}

// NewSlackClient creates a client. apiURL may be empty for the public API;
// it must end with a slash otherwise.
func NewSlackClient(token, apiURL string) *SlackClient {
	opts := []slack.Option{}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackClient{api: slack.New(token, opts...)}
}

// PostMessage sends text to a channel, DM or user id.
func (c *SlackClient) PostMessage(ctx context.Context, channelID, text string) error {
	_, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	return classifySlackError(err)
}

// Deliver sends text to the user's direct message channel.
func (c *SlackClient) Deliver(ctx context.Context, userID, text string) error {
	return c.PostMessage(ctx, userID, text)
}

func classifySlackError(err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Errorf("%w: slack retry after %s", domain.ErrRateLimited, rl.RetryAfter)
	}
	msg := err.Error()
	for _, gone := range slackGoneErrors {
		if strings.Contains(msg, gone) {
			return fmt.Errorf("%w: slack: %s", domain.ErrSessionGone, msg)
		}
	}
	return fmt.Errorf("%w: slack: %v", domain.ErrUpstream, err)
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]*)?>`)

// stripMentions removes <@U123> markup from message text.
func stripMentions(text string) string {
	return strings.Join(strings.Fields(mentionPattern.ReplaceAllString(text, " ")), " ")
}

// slackPoster is the part of SlackClient the events handler needs.
type slackPoster interface {
	PostMessage(ctx context.Context, channelID, text string) error
}

// SlackEventsHandler serves the Events API endpoint. Events are acknowledged
// immediately and answered in the background.
type SlackEventsHandler struct {
	orch          Orchestrator
	poster        slackPoster
	signingSecret string
	logger        *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewSlackEventsHandler creates the handler. An empty signing secret
// disables verification and is only accepted in development.
func NewSlackEventsHandler(orch Orchestrator, poster slackPoster, signingSecret string, logger *slog.Logger) *SlackEventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SlackEventsHandler{
		orch:          orch,
		poster:        poster,
		signingSecret: signingSecret,
		logger:        logger,
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// ServeHTTP handles one Events API request.
func (h *SlackEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.signingSecret != "" {
		sv, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
		if err != nil {
			h.logger.Warn("Slack request rejected", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		if _, err := sv.Write(body); err != nil {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		if err := sv.Ensure(); err != nil {
			h.logger.Warn("Slack signature mismatch", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.logger.Warn("Failed to parse Slack event", "error", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "invalid challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	// Slack re-sends events it thinks were not acknowledged in time.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	in, ok := inboundFromSlack(event.InnerEvent)
	w.WriteHeader(http.StatusOK)
	if !ok {
		return
	}
	h.process(in)
}

type slackInbound struct {
	userID    string
	text      string
	channelID string
	mention   bool
}

func inboundFromSlack(inner slackevents.EventsAPIInnerEvent) (slackInbound, bool) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if ev.User == "" || ev.BotID != "" {
			return slackInbound{}, false
		}
		return slackInbound{userID: ev.User, text: stripMentions(ev.Text), channelID: ev.Channel, mention: true}, true
	case *slackevents.MessageEvent:
		if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" || ev.User == "" {
			return slackInbound{}, false
		}
		return slackInbound{userID: ev.User, text: stripMentions(ev.Text), channelID: ev.Channel}, true
	}
	return slackInbound{}, false
}

func (h *SlackEventsHandler) process(in slackInbound) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.baseCtx, slackProcessTimeout)
		defer cancel()

		reply := h.orch.Handle(ctx, agent.InboundEvent{UserID: in.userID, Text: in.text, Channel: domain.ChannelSlack})

		target := in.channelID
		if in.mention && reply.Kind == agent.ReplyOnboarding {
			if err := h.poster.PostMessage(ctx, in.channelID, mentionNotice); err != nil {
				h.logger.Warn("Failed to post Slack notice", "user_id", in.userID, "error", err)
			}
			target = in.userID
		}
		if err := h.poster.PostMessage(ctx, target, reply.Text); err != nil {
			h.logger.Warn("Failed to post Slack reply", "user_id", in.userID, "channel", target, "error", err)
		}
	}()
}

// Close stops accepting events and waits for in-flight replies, or until
// ctx is done.
func (h *SlackEventsHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		<-done
		return ctx.Err()
	}
}
