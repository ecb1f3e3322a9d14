// Dailybot - conversational daily work assistant server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/api"
	"github.com/ashureev/dailybot/internal/bootstrap"
	"github.com/ashureev/dailybot/internal/channel"
	"github.com/ashureev/dailybot/internal/config"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/identity"
	"github.com/ashureev/dailybot/internal/middleware"
	"github.com/ashureev/dailybot/internal/scheduler"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/ashureev/dailybot/internal/telemetry"
	"github.com/ashureev/dailybot/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

// run starts the server and blocks until ctx is done or the listener fails.
// Deferred closes run on every return path.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush spans", "error", err)
		}
	}()

	core, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize orchestration core: %w", err)
	}
	defer func() {
		if closeErr := core.Close(); closeErr != nil {
			slog.Error("Failed to close orchestration core", "error", closeErr)
		}
	}()

	// Web channel: websocket sessions plus the SSE/JSON chat API.
	sm := channel.NewSessionManager()
	agentHandler := agent.NewHandler(core.Service, cfg)
	defer agentHandler.Close()

	wsLimiter := agent.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer wsLimiter.Stop()
	wsHandler := channel.NewWebSocketHandler(core.Service, sm, wsLimiter, cfg.FrontendURL, cfg.IsDevelopment())

	fanout := channel.NewFanout(core.Store, logger)
	fanout.Register(domain.ChannelWeb, channel.Multi{sm, agentHandler})
	channels := []string{string(domain.ChannelWeb)}

	var slackEvents *channel.SlackEventsHandler
	if cfg.Slack.BotToken != "" {
		slackClient := channel.NewSlackClient(cfg.Slack.BotToken, cfg.Slack.APIURL)
		slackEvents = channel.NewSlackEventsHandler(core.Service, slackClient, cfg.Slack.SigningSecret, logger)
		fanout.Register(domain.ChannelSlack, slackClient)
		channels = append(channels, string(domain.ChannelSlack))
		slog.Info("Slack channel enabled")
	}

	if cfg.NATS.URL != "" {
		bridge, err := channel.ConnectNATS(channel.NATSConfig{
			URL:             cfg.NATS.URL,
			InboundSubject:  cfg.NATS.InboundSubject,
			OutboundPrefix:  cfg.NATS.OutboundPrefix,
			ReconnectWait:   cfg.NATS.ReconnectWait,
			MaxReconnection: cfg.NATS.MaxReconnection,
		}, core.Service, logger)
		if err != nil {
			slog.Warn("NATS bridge disabled", "error", err)
		} else {
			defer func() {
				if closeErr := bridge.Close(); closeErr != nil {
					slog.Error("Failed to drain NATS connection", "error", closeErr)
				}
			}()
			if err := bridge.Start(); err != nil {
				return fmt.Errorf("start NATS bridge: %w", err)
			}
			fanout.Register(domain.ChannelNATS, bridge)
			channels = append(channels, string(domain.ChannelNATS))
		}
	}

	specialistNames := make([]string, 0, len(core.Registry.All()))
	for _, s := range core.Registry.All() {
		specialistNames = append(specialistNames, s.Name())
	}
	apiHandler := api.NewHandler(core.Store, api.ClientConfig{
		Mode:        string(core.Service.Mode()),
		Specialists: specialistNames,
		Channels:    channels,
	})
	healthHandler := api.NewHealthHandler(cfg.HealthCheckTimeout, core.HealthChecks...)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Slack authenticates with request signatures, not the web identity.
	if slackEvents != nil {
		r.Post("/slack/events", slackEvents.ServeHTTP)
	}
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
		r.Get("/ws", wsHandler.ServeHTTP)
		// Serve embedded frontend (SPA catch-all).
		r.Handle("/*", web.SPAHandler())
	})

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var schedDone <-chan struct{}
	if cfg.Scheduler.Enabled {
		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
		}
		var planner scheduler.Planner
		if p, ok := core.Registry.Get(specialist.TagPlanner); ok {
			planner = p
		}
		sched := scheduler.New(core.Store, fanout, planner, scheduler.Config{
			Location:     loc,
			WelcomeHour:  cfg.Scheduler.WelcomeHour,
			CheckinStart: cfg.Scheduler.CheckinStart,
			CheckinEnd:   cfg.Scheduler.CheckinEnd,
			ActiveWithin: cfg.Scheduler.ActiveWithin,
			TickInterval: cfg.Scheduler.TickInterval,
		}, scheduler.WithLogger(logger))
		schedDone = sched.Start(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal or a listener failure.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if slackEvents != nil {
		if err := slackEvents.Close(shutdownCtx); err != nil {
			slog.Warn("Slack events still in flight at shutdown", "error", err)
		}
	}
	if schedDone != nil {
		<-schedDone
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Server stopped successfully")
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
