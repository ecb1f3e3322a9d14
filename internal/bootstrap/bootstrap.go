// Package bootstrap assembles the orchestration core shared by the server
// and the admin CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/api"
	"github.com/ashureev/dailybot/internal/config"
	"github.com/ashureev/dailybot/internal/llm"
	"github.com/ashureev/dailybot/internal/onboarding"
	"github.com/ashureev/dailybot/internal/routing"
	"github.com/ashureev/dailybot/internal/shared"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/ashureev/dailybot/internal/store"
	"github.com/ashureev/dailybot/internal/synthesis"
)

// Core holds the wired orchestration components.
type Core struct {
	Store      *store.SQLiteStore
	Generator  llm.Generator
	Registry   *specialist.Registry
	Router     *routing.Router
	Onboarding *onboarding.Machine
	Service    *agent.Service

	// HealthChecks probe the store and, when present, the model sidecar.
	HealthChecks []api.HealthCheck

	closers []func() error
	logger  *slog.Logger
}

// New wires the core from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Core, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Store, err = store.NewSQLite(cfg.DBPath, store.WithRetryPolicy(shared.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
	}))
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	c.closers = append(c.closers, c.Store.Close)
	c.HealthChecks = append(c.HealthChecks, api.HealthCheck{Name: "database", Check: c.Store.Ping})

	c.Generator = c.newGenerator(ctx, cfg.LLM)

	catalog, err := specialist.LoadCatalog(cfg.Orchestration.SpecialistsFile)
	if err != nil {
		return nil, err
	}
	c.Registry, err = catalog.Build(c.Generator, logger)
	if err != nil {
		return nil, err
	}
	c.Router = routing.NewRouter(c.Registry)

	c.Onboarding = onboarding.NewMachine(c.Store, onboarding.WelcomePolicy(cfg.Orchestration.WelcomePolicy),
		onboarding.WithLogger(logger))

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}

	opts := []agent.Option{agent.WithConversationLogger(convLog), agent.WithLogger(logger)}
	if cfg.Orchestration.Mode == config.ModeExchange {
		ex, err := routing.NewExchange(c.Router, c.Registry, cfg.Orchestration.MaxRounds, logger,
			routing.WithTurnTimeout(cfg.Orchestration.SpecialistTimeout))
		if err != nil {
			_ = convLog.Close()
			return nil, err
		}
		opts = append(opts, agent.WithExchange(ex))
	}
	c.Service = agent.NewService(c.Store, c.Onboarding, c.Router,
		agent.NewDispatcher(c.Registry, cfg.Orchestration.SpecialistTimeout, logger),
		synthesis.New(c.Generator, logger),
		opts...)
	c.closers = append(c.closers, c.Service.Close)

	logger.Info("Orchestration core ready",
		"mode", c.Service.Mode(),
		"llm_provider", cfg.LLM.Provider,
		"specialists", len(c.Registry.All()))
	return c, nil
}

// newGenerator builds the configured model client. A backend that cannot be
// reached degrades to llm.Unavailable so onboarding keeps working.
func (c *Core) newGenerator(ctx context.Context, cfg config.LLMConfig) llm.Generator {
	switch cfg.Provider {
	case config.ProviderGemini:
		gen, err := llm.NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.Timeout, c.logger)
		if err != nil {
			c.logger.Warn("Gemini client unavailable, specialist replies disabled", "error", err)
			return llm.Unavailable{Reason: "gemini client unavailable"}
		}
		return gen
	case config.ProviderSidecar:
		scfg := llm.DefaultSidecarConfig(cfg.SidecarAddr)
		if cfg.Timeout > 0 {
			scfg.RequestTimeout = cfg.Timeout
		}
		client, err := llm.NewSidecarClient(scfg, c.logger)
		if err != nil {
			c.logger.Warn("Model sidecar unreachable, specialist replies disabled", "address", cfg.SidecarAddr, "error", err)
			return llm.Unavailable{Reason: "model sidecar unreachable"}
		}
		c.closers = append(c.closers, func() error { client.Close(); return nil })
		c.HealthChecks = append(c.HealthChecks, api.HealthCheck{Name: "llm", Optional: true, Check: client.Health})
		return client
	default:
		c.logger.Info("No language model configured, specialist replies disabled")
		return llm.Unavailable{}
	}
}

// Close releases resources in reverse order of creation.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
