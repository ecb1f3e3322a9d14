package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the sidecar's unary RPC. Request and response are
// google.protobuf.Struct so no generated stubs are needed.
const generateMethod = "/dailybot.llm.v1.Generator/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// SidecarConfig holds configuration for the sidecar client.
type SidecarConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultSidecarConfig returns default configuration for addr.
func DefaultSidecarConfig(addr string) SidecarConfig {
	return SidecarConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// SidecarClient generates text through a model-serving sidecar over gRPC.
type SidecarClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    SidecarConfig
	logger *slog.Logger
}

// NewSidecarClient dials the sidecar and waits until the connection is ready.
func NewSidecarClient(cfg SidecarConfig, logger *slog.Logger) (*SidecarClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create sidecar client for %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad sidecar endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model sidecar", "address", cfg.Address)

	return &SidecarClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *SidecarClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks whether the sidecar reports SERVING.
func (c *SidecarClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("sidecar status %s", resp.GetStatus())
	}
	return nil
}

// Generate sends one generation request to the sidecar.
func (c *SidecarClient) Generate(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := buildSidecarRequest(systemPrompt, userPrompt, opts)
	if err != nil {
		return "", err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateMethod, req, resp); err != nil {
		c.logger.Warn("Sidecar generate failed", "address", c.cfg.Address, "error", err)
		return "", Classify(err)
	}
	return parseSidecarResponse(resp)
}

func buildSidecarRequest(systemPrompt, userPrompt string, opts Options) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"system_prompt":     systemPrompt,
		"user_prompt":       userPrompt,
		"temperature":       float64(opts.Temperature),
		"max_output_tokens": float64(opts.MaxOutputTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("build sidecar request: %w", err)
	}
	return req, nil
}

func parseSidecarResponse(resp *structpb.Struct) (string, error) {
	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return "", Classify(errors.New(msg))
	}
	return checkText(fields["text"].GetStringValue())
}
