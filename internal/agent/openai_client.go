package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const tutorSystemPrompt = `You are a friendly tutor deciding whether a child may use the internet.
Reply with a single JSON object and nothing else:
{"decision":"ALLOW|DENY|ASK_MORE","message_pt":"...","message_en":"...","allowed_minutes":0,
"question_pt":null,"question_en":null,"metadata":{"reason":"...","persona":"tutor|maternal|general"}}
allowed_minutes must be 0 unless decision is ALLOW. When ALLOW, both messages state the minutes granted.`

// chatCompleter is the subset of the OpenAI chat completion service in use.
type chatCompleter interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient asks an OpenAI chat model for decisions.
type OpenAIClient struct {
	chat   chatCompleter
	model  string
	logger *slog.Logger
}

// NewOpenAIClient creates a client for the given API key and model.
func NewOpenAIClient(apiKey, model string, logger *slog.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{
		chat:   &client.Chat.Completions,
		model:  model,
		logger: logger,
	}, nil
}

// RequestDecision asks the model for a decision and validates the reply.
func (c *OpenAIClient) RequestDecision(ctx context.Context, req DecisionRequest) (*domain.DecisionResponse, error) {
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode decision request: %w", err)
	}

	completion, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(tutorSystemPrompt),
			openai.UserMessage(string(prompt)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: chat completion: %w", ErrNetwork, err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrInvalidResponse)
	}

	c.logger.Debug("Decision completion received", "device_id", req.DeviceID, "model", c.model)
	return decodeDecision([]byte(completion.Choices[0].Message.Content))
}

// Close releases resources.
func (c *OpenAIClient) Close() {}
