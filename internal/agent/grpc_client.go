package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// requestDecisionMethod is the unary RPC served by the agent. Payloads are
// google.protobuf.Struct in both directions.
const requestDecisionMethod = "/studygate.agent.v1.DecisionAgent/RequestDecision"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// invoker is the subset of *grpc.ClientConn used for calls.
type invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

// GrpcClient provides a gRPC client to the decision agent.
type GrpcClient struct {
	conn   *grpc.ClientConn
	invoke invoker
	health grpc_health_v1.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a new gRPC client to the decision agent.
func NewGrpcClient(addr string, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to decision agent", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		invoke: conn,
		health: grpc_health_v1.NewHealthClient(conn),
		addr:   cfg.Address,
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
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks if the agent is serving.
func (c *GrpcClient) Health(ctx context.Context) error {
	if c.health == nil {
		return fmt.Errorf("health check failed: %w", ErrNetwork)
	}
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check failed: status %s", resp.GetStatus())
	}
	return nil
}

// RequestDecision sends req to the agent and validates the reply.
func (c *GrpcClient) RequestDecision(ctx context.Context, req DecisionRequest) (*domain.DecisionResponse, error) {
	c.logger.Debug("Requesting decision via gRPC",
		"device_id", req.DeviceID,
		"state", req.State,
	)

	in, err := requestStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode decision request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.invoke.Invoke(ctx, requestDecisionMethod, in, out); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: request decision: %w", ErrNetwork, err)
	}

	raw, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return decodeDecision(raw)
}

func requestStruct(req DecisionRequest) (*structpb.Struct, error) {
	var answer any
	if req.Answer != nil {
		answer = *req.Answer
	}

	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{
			"from": string(m.From),
			"pt":   m.Content.PT,
			"en":   m.Content.EN,
		})
	}

	return structpb.NewStruct(map[string]any{
		"device_id": req.DeviceID,
		"locale":    string(req.Locale),
		"answer":    answer,
		"state":     string(req.State),
		"now":       req.Now.Format(time.RFC3339),
		"timezone":  req.Timezone,
		"history":   history,
	})
}
