// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM provider names.
const (
	ProviderGemini  = "gemini"
	ProviderSidecar = "sidecar"
	ProviderNone    = "none"
)

// Orchestration modes.
const (
	ModeBroadcast = "broadcast"
	ModeExchange  = "exchange"
)

// Welcome step policies.
const (
	WelcomePermissive = "permissive"
	WelcomeStrict     = "strict"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	HealthCheckTimeout time.Duration
	LLM                LLMConfig
	Orchestration      OrchestrationConfig
	Slack              SlackConfig
	NATS               NATSConfig
	Scheduler          SchedulerConfig
	RateLimit          RateLimitConfig
	Retry              RetryConfig
	ConversationLog    ConversationLogConfig
	Tracing            TracingConfig
}

// LLMConfig selects and configures the language model backend.
type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	SidecarAddr string
	Timeout     time.Duration
}

// OrchestrationConfig controls routing, dispatch and onboarding policy.
type OrchestrationConfig struct {
	Mode              string
	SpecialistTimeout time.Duration
	MaxRounds         int
	WelcomePolicy     string
	SpecialistsFile   string
}

// SlackConfig enables the Slack Events API channel when BotToken is set.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	APIURL        string
}

// NATSConfig enables the NATS bridge when URL is set.
type NATSConfig struct {
	URL             string
	InboundSubject  string
	OutboundPrefix  string
	ReconnectWait   time.Duration
	MaxReconnection int
}

// SchedulerConfig controls proactive daily messages.
type SchedulerConfig struct {
	Enabled      bool
	Timezone     string
	WelcomeHour  int
	CheckinStart int
	CheckinEnd   int
	ActiveWithin time.Duration
	TickInterval time.Duration
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// RetryConfig controls SQLITE_BUSY retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// TracingConfig enables OTLP span export when Endpoint is set. The exporter
// reads the remaining OTEL_EXPORTER_OTLP_* variables itself.
type TracingConfig struct {
	Endpoint    string
	ServiceName string
}

// Load reads configuration from environment variables. When no API key is
// set in the environment, credentials.toml is consulted.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/dailybot.db"),
		HealthCheckTimeout: getEnvDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second),
		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderGemini)),
			Model:       getEnv("LLM_MODEL", "gemini-2.5-flash"),
			APIKey:      getEnv("GEMINI_API_KEY", ""),
			SidecarAddr: getEnv("LLM_SIDECAR_ADDR", ""),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Orchestration: OrchestrationConfig{
			Mode:              strings.ToLower(getEnv("ORCHESTRATION_MODE", ModeBroadcast)),
			SpecialistTimeout: getEnvDuration("SPECIALIST_TIMEOUT", 45*time.Second),
			MaxRounds:         getEnvInt("EXCHANGE_MAX_ROUNDS", 10),
			WelcomePolicy:     strings.ToLower(getEnv("WELCOME_POLICY", WelcomePermissive)),
			SpecialistsFile:   getEnv("SPECIALISTS_FILE", ""),
		},
		Slack: SlackConfig{
			BotToken:      getEnv("SLACK_BOT_TOKEN", ""),
			SigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),
			APIURL:        getEnv("SLACK_API_URL", "https://slack.com/api"),
		},
		NATS: NATSConfig{
			URL:             getEnv("NATS_URL", ""),
			InboundSubject:  getEnv("NATS_INBOUND_SUBJECT", "dailybot.inbound"),
			OutboundPrefix:  getEnv("NATS_OUTBOUND_PREFIX", "dailybot.outbound"),
			ReconnectWait:   getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
			MaxReconnection: getEnvInt("NATS_MAX_RECONNECTS", 60),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvBool("SCHEDULER_ENABLED", false),
			Timezone:     getEnv("SCHEDULER_TIMEZONE", "Local"),
			WelcomeHour:  getEnvInt("WELCOME_HOUR", 9),
			CheckinStart: getEnvInt("CHECKIN_START_HOUR", 10),
			CheckinEnd:   getEnvInt("CHECKIN_END_HOUR", 17),
			ActiveWithin: getEnvDuration("SCHEDULER_ACTIVE_WITHIN", 7*24*time.Hour),
			TickInterval: getEnvDuration("SCHEDULER_TICK", time.Minute),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvInt("DB_MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "dailybot"),
		},
	}

	if cfg.LLM.APIKey == "" {
		creds, _, err := LoadCredentials()
		if err != nil {
			return nil, fmt.Errorf("load credentials file: %w", err)
		}
		cfg.LLM.APIKey = creds.GeminiKey()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.LLM.Provider {
	case ProviderGemini, ProviderNone:
	case ProviderSidecar:
		if c.LLM.SidecarAddr == "" {
			return fmt.Errorf("LLM_SIDECAR_ADDR is required when LLM_PROVIDER=sidecar")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of gemini, sidecar, none (got %q)", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.Orchestration.Mode != ModeBroadcast && c.Orchestration.Mode != ModeExchange {
		return fmt.Errorf("ORCHESTRATION_MODE must be broadcast or exchange (got %q)", c.Orchestration.Mode)
	}
	if c.Orchestration.WelcomePolicy != WelcomePermissive && c.Orchestration.WelcomePolicy != WelcomeStrict {
		return fmt.Errorf("WELCOME_POLICY must be permissive or strict (got %q)", c.Orchestration.WelcomePolicy)
	}
	if c.Orchestration.SpecialistTimeout <= 0 {
		return fmt.Errorf("SPECIALIST_TIMEOUT must be > 0")
	}
	if c.Orchestration.MaxRounds < 3 {
		return fmt.Errorf("EXCHANGE_MAX_ROUNDS must be >= 3")
	}
	if c.Slack.BotToken != "" && c.Slack.SigningSecret == "" {
		return fmt.Errorf("SLACK_SIGNING_SECRET is required when SLACK_BOT_TOKEN is set")
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
	}
	for name, h := range map[string]int{
		"WELCOME_HOUR":       s.WelcomeHour,
		"CHECKIN_START_HOUR": s.CheckinStart,
		"CHECKIN_END_HOUR":   s.CheckinEnd,
	} {
		if h < 0 || h > 23 {
			return fmt.Errorf("%s must be between 0 and 23", name)
		}
	}
	if s.CheckinStart > s.CheckinEnd {
		return fmt.Errorf("CHECKIN_START_HOUR must not be after CHECKIN_END_HOUR")
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("SCHEDULER_TICK must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
