package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
)

// DefaultTimeout bounds a single agent call.
const DefaultTimeout = 3 * time.Second

// Service wraps a DecisionSource with a deadline and response validation.
type Service struct {
	source  DecisionSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a new agent service around source.
func NewService(source DecisionSource, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source:  source,
		timeout: timeout,
		logger:  logger,
	}
}

// Enabled reports whether a remote source is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.source != nil
}

type outcome struct {
	resp *domain.DecisionResponse
	err  error
}

// RequestDecision calls the agent and waits at most the configured timeout
// (or req.Timeout when set). A reply arriving after the deadline is
// discarded. Every error wraps ErrNetwork, ErrTimeout or ErrInvalidResponse.
func (s *Service) RequestDecision(ctx context.Context, req DecisionRequest) (*domain.DecisionResponse, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("%w: no agent configured", ErrNetwork)
	}

	timeout := s.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		resp, err := s.source.RequestDecision(ctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Agent call abandoned", "device_id", req.DeviceID, "timeout", timeout, "error", ctx.Err())
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, classify(out.err)
		}
		if err := out.resp.Validate(); err != nil {
			return nil, classify(err)
		}
		return out.resp, nil
	}
}

// Close releases resources.
func (s *Service) Close() {
	if s.source != nil {
		s.source.Close()
	}
}
