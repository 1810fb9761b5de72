package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/study-gate/internal/domain"
)

var (
	// ErrNetwork covers transport failures talking to the agent.
	ErrNetwork = errors.New("agent network error")
	// ErrTimeout is returned when the agent does not answer in time.
	ErrTimeout = errors.New("agent timeout")
	// ErrInvalidResponse is returned when the agent answer breaks the decision contract.
	ErrInvalidResponse = errors.New("invalid agent response")
)

// Failure causes used as log fields and metric labels.
const (
	CauseNetwork         = "network"
	CauseTimeout         = "timeout"
	CauseInvalidResponse = "invalid_response"
	CauseDisabled        = "disabled"
)

// classify wraps err with the sentinel that matches it.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrInvalidResponse), errors.Is(err, ErrNetwork):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, domain.ErrInvalidDecision):
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// Cause returns the failure cause label of err.
func Cause(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return CauseTimeout
	case errors.Is(err, ErrInvalidResponse):
		return CauseInvalidResponse
	default:
		return CauseNetwork
	}
}

// decodeDecision parses and validates a JSON decision.
func decodeDecision(raw []byte) (*domain.DecisionResponse, error) {
	raw = []byte(stripCodeFence(string(raw)))

	var resp domain.DecisionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidResponse, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &resp, nil
}

// stripCodeFence removes a surrounding ```json fence that chat models like to add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
