package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/dailybot/internal/config"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:               "0",
		DBPath:             filepath.Join(t.TempDir(), "dailybot.db"),
		HealthCheckTimeout: time.Second,
		LLM:                config.LLMConfig{Provider: config.ProviderNone, Timeout: time.Second},
		Orchestration: config.OrchestrationConfig{
			Mode:              config.ModeBroadcast,
			SpecialistTimeout: time.Second,
			MaxRounds:         4,
			WelcomePolicy:     config.WelcomePermissive,
		},
		RateLimit: config.RateLimitConfig{Requests: 10, Window: time.Minute},
		Retry:     config.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
	}
}

// The database must be usable by a new process once run has returned.
func assertStoreReusable(t *testing.T, path string) {
	t.Helper()
	s, err := store.NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.MergeUpdate(context.Background(), "U1", domain.UserPatch{OnboardingStarted: domain.Ptr(true)})
	require.NoError(t, err)
}

func TestRunReturnsErrorOnBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler = config.SchedulerConfig{Enabled: true, Timezone: "Nowhere/Atlantis", TickInterval: time.Minute}

	err := run(context.Background(), cfg, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler timezone")
	assertStoreReusable(t, cfg.DBPath)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.Default()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after context ended")
	}
	assertStoreReusable(t, cfg.DBPath)
}
