package routing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/llm"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel answers by system prompt so each speaker is recognisable.
func scriptedModel(fail map[string]bool) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, system, user string, _ llm.Options) (string, error) {
		switch {
		case strings.Contains(system, "Head Manager"):
			if strings.Contains(user, "Conversation so far") {
				if fail["final"] {
					return "", domain.ErrUpstreamTimeout
				}
				return "final answer", nil
			}
			return "This is about a meeting.", nil
		case strings.Contains(system, "Communication Assistant"):
			if fail["specialist"] {
				return "", domain.ErrUpstream
			}
			return "send the invite at 10", nil
		}
		return "other", nil
	})
}

func TestExchangeRun(t *testing.T) {
	reg := defaultRegistry(t, scriptedModel(nil))
	ex, err := NewExchange(NewRouter(reg), reg, 10, nil)
	require.NoError(t, err)

	out, err := ex.Run(context.Background(), "U1", "set up a sync")
	require.NoError(t, err)
	assert.Equal(t, "final answer", out.Reply)
	assert.NotEmpty(t, out.ID)
	require.Len(t, out.Transcript, 3)
	assert.Equal(t, specialist.TagCommunicator, out.Transcript[1].Speaker)
}

func TestExchangePartialOnFailure(t *testing.T) {
	reg := defaultRegistry(t, scriptedModel(map[string]bool{"final": true}))
	ex, err := NewExchange(NewRouter(reg), reg, 10, nil)
	require.NoError(t, err)

	out, err := ex.Run(context.Background(), "U1", "set up a sync")
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Equal(t, "send the invite at 10", out.Reply)
}

func TestExchangeCeiling(t *testing.T) {
	reg := defaultRegistry(t, scriptedModel(nil))
	ex, err := NewExchange(NewRouter(reg), reg, 2, nil)
	require.NoError(t, err)

	out, err := ex.Run(context.Background(), "U1", "set up a sync")
	assert.ErrorIs(t, err, domain.ErrRoundCeiling)
	assert.Equal(t, "send the invite at 10", out.Reply)
	assert.Len(t, out.Transcript, 2)
}

func TestExchangeTurnTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	gen := llm.GeneratorFunc(func(ctx context.Context, system, user string, opts llm.Options) (string, error) {
		if strings.Contains(system, "Communication Assistant") {
			<-release
			return "too late", nil
		}
		return scriptedModel(nil).Generate(ctx, system, user, opts)
	})
	reg := defaultRegistry(t, gen)
	ex, err := NewExchange(NewRouter(reg), reg, 10, nil, WithTurnTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	out, err := ex.Run(context.Background(), "U1", "set up a sync")
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "This is about a meeting.", out.Reply)
	require.Len(t, out.Transcript, 1)
}

func TestNewExchangeRequiresCoordinator(t *testing.T) {
	s := specialist.NewLLMSpecialist(specialist.Definition{Tag: specialist.TagPlanner, Name: "P", Triggers: []string{"plan"}}, llm.Unavailable{}, nil)
	reg, err := specialist.NewRegistry(nil, s)
	require.NoError(t, err)
	_, err = NewExchange(NewRouter(reg), reg, 10, nil)
	assert.Error(t, err)
}

func TestPartialReply(t *testing.T) {
	assert.Equal(t, "", partialReply(nil))
	assert.Equal(t, "analysis", partialReply([]Turn{{Speaker: specialist.TagCoordinator, Text: "analysis"}}))
}
