package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/config"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath: filepath.Join(t.TempDir(), "dailybot.db"),
		LLM:    config.LLMConfig{Provider: config.ProviderNone},
		Orchestration: config.OrchestrationConfig{
			Mode:              mode,
			SpecialistTimeout: time.Second,
			MaxRounds:         4,
			WelcomePolicy:     config.WelcomePermissive,
		},
		Retry: config.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
	}
}

func TestNewWiresBroadcastCore(t *testing.T) {
	core, err := New(context.Background(), testConfig(t, config.ModeBroadcast), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, core.Close()) }()

	assert.Equal(t, agent.ModeBroadcast, core.Service.Mode())
	assert.IsType(t, llm.Unavailable{}, core.Generator)
	assert.NotEmpty(t, core.Registry.All())
	require.Len(t, core.HealthChecks, 1)
	assert.NoError(t, core.HealthChecks[0].Check(context.Background()))

	reply := core.Service.Handle(context.Background(), agent.InboundEvent{UserID: "U1", Text: "hello", Channel: domain.ChannelCLI})
	assert.Equal(t, agent.ReplyOnboarding, reply.Kind)
	assert.NotEmpty(t, reply.Text)

	u, err := core.Store.GetUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepWelcome, u.OnboardingStep)
}

func TestNewWiresExchangeCore(t *testing.T) {
	core, err := New(context.Background(), testConfig(t, config.ModeExchange), nil)
	require.NoError(t, err)
	defer core.Close()

	assert.Equal(t, agent.ModeExchange, core.Service.Mode())
}

func TestNewRejectsMissingCatalog(t *testing.T) {
	cfg := testConfig(t, config.ModeBroadcast)
	cfg.Orchestration.SpecialistsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
