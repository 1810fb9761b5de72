package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeInvoker struct {
	method string
	sent   map[string]any
	reply  map[string]any
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.sent = args.(*structpb.Struct).AsMap()
	if f.err != nil {
		return f.err
	}
	out, err := structpb.NewStruct(f.reply)
	if err != nil {
		return err
	}
	reply.(*structpb.Struct).Fields = out.Fields
	return nil
}

func TestGrpcClient_RequestDecision(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{
		"decision":        "ASK_MORE",
		"message_pt":      "Hora de estudar.",
		"message_en":      "Study time.",
		"allowed_minutes": 0,
		"question_pt":     "Terminou?",
		"question_en":     "Done?",
		"metadata":        map[string]any{"reason": "study_completion", "persona": "tutor"},
	}}
	c := &GrpcClient{invoke: inv, logger: slog.Default()}

	ans := "talvez"
	resp, err := c.RequestDecision(context.Background(), DecisionRequest{
		DeviceID: "dev-1",
		Locale:   domain.LocalePT,
		Answer:   &ans,
		State:    domain.StateRequesting,
		Now:      time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC),
		History: []domain.ChatMessage{
			{From: domain.SenderUser, Content: domain.MessageContent{PT: "oi", EN: "hi"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, requestDecisionMethod, inv.method)
	assert.Equal(t, "dev-1", inv.sent["device_id"])
	assert.Equal(t, "talvez", inv.sent["answer"])
	assert.Equal(t, "2025-03-10T15:00:00Z", inv.sent["now"])
	assert.Len(t, inv.sent["history"], 1)

	assert.Equal(t, domain.DecisionAskMore, resp.Decision)
	require.NotNil(t, resp.QuestionEN)
	assert.Equal(t, "Done?", *resp.QuestionEN)
}

func TestGrpcClient_NilAnswerIsNull(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("unavailable")}
	c := &GrpcClient{invoke: inv, logger: slog.Default()}

	_, err := c.RequestDecision(context.Background(), DecisionRequest{DeviceID: "dev-1"})
	require.ErrorIs(t, err, ErrNetwork)
	v, ok := inv.sent["answer"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestGrpcClient_InvalidReply(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{"decision": "ALLOW"}}
	c := &GrpcClient{invoke: inv, logger: slog.Default()}

	_, err := c.RequestDecision(context.Background(), DecisionRequest{})
	require.ErrorIs(t, err, ErrInvalidResponse)
}

type fakeCompleter struct {
	content string
	err     error
	params  openai.ChatCompletionNewParams
}

func (f *fakeCompleter) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.params = body
	if f.err != nil {
		return nil, f.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func TestOpenAIClient_RequestDecision(t *testing.T) {
	fc := &fakeCompleter{content: "```json\n" +
		`{"decision":"ALLOW","message_pt":"Liberado por 15 minutos","message_en":"Unlocked for 15 minutes","allowed_minutes":15,"question_pt":null,"question_en":null,"metadata":{"reason":"allowed","persona":"general"}}` +
		"\n```"}
	c := &OpenAIClient{chat: fc, model: "gpt-4o-mini", logger: slog.Default()}

	resp, err := c.RequestDecision(context.Background(), DecisionRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, 15, resp.AllowedMinutes)
	assert.Equal(t, openai.ChatModel("gpt-4o-mini"), fc.params.Model)
	assert.Len(t, fc.params.Messages, 2)
	assert.NotNil(t, fc.params.ResponseFormat.OfJSONObject, "completion must request a JSON object")
}

func TestOpenAIClient_Errors(t *testing.T) {
	c := &OpenAIClient{chat: &fakeCompleter{err: errors.New("502")}, logger: slog.Default()}
	_, err := c.RequestDecision(context.Background(), DecisionRequest{})
	require.ErrorIs(t, err, ErrNetwork)

	c = &OpenAIClient{chat: &fakeCompleter{content: "I think yes"}, logger: slog.Default()}
	_, err = c.RequestDecision(context.Background(), DecisionRequest{})
	require.ErrorIs(t, err, ErrInvalidResponse)

	_, err = NewOpenAIClient("", "", nil)
	require.Error(t, err)
}
