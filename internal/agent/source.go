// Package agent talks to the remote decision agent (an LLM-backed tutor).
package agent

import (
	"context"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
)

// DecisionSource produces access decisions remotely.
// This interface is implemented by the gRPC and OpenAI clients.
type DecisionSource interface {
	// RequestDecision asks the agent for a decision. Implementations must
	// honor ctx cancellation.
	RequestDecision(ctx context.Context, req DecisionRequest) (*domain.DecisionResponse, error)

	// Close releases resources
	Close()
}

// DecisionRequest is the input sent to the agent.
type DecisionRequest struct {
	DeviceID string               `json:"device_id"`
	Locale   domain.Locale        `json:"locale"`
	Answer   *string              `json:"answer"`
	State    domain.AppState      `json:"state"`
	Now      time.Time            `json:"now"`
	Timezone string               `json:"timezone"`
	History  []domain.ChatMessage `json:"history,omitempty"`
	Timeout  time.Duration        `json:"-"`
}

// Ensure clients implement DecisionSource.
var (
	_ DecisionSource = (*GrpcClient)(nil)
	_ DecisionSource = (*OpenAIClient)(nil)
)
