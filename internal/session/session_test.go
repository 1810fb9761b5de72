package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/study-gate/internal/agent"
	"github.com/ashureev/study-gate/internal/chatstate"
	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/policy"
	"github.com/ashureev/study-gate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	resp  *domain.DecisionResponse
	err   error
	block bool
	calls atomic.Int32
}

func (s *stubSource) RequestDecision(ctx context.Context, _ agent.DecisionRequest) (*domain.DecisionResponse, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.resp, s.err
}

func (s *stubSource) Close() {}

type fakeGranter struct {
	calls []string
}

func (g *fakeGranter) Grant(_ context.Context, deviceID, token string, minutes int) (*domain.GrantRecord, error) {
	g.calls = append(g.calls, deviceID+":"+token)
	return &domain.GrantRecord{DeviceID: deviceID, Token: token, Minutes: minutes}, nil
}

func fixedClock(hour, minute int) func() time.Time {
	t := time.Date(2025, time.March, 10, hour, minute, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func testSettings() Settings {
	return Settings{
		Timezone:     "UTC",
		Location:     time.UTC,
		BlockWindows: []domain.TimeWindow{{Name: "bedtime", Start: "21:00", End: "07:00"}},
		StudyWindows: []domain.TimeWindow{{Name: "homework", Start: "14:00", End: "16:00"}},
		MaxAttempts:  2,
	}
}

func quizBank() []domain.Question {
	return []domain.Question{
		{ID: "q1", PromptPT: "Quanto é 7 x 8?", PromptEN: "What is 7 x 8?", Answers: []string{"56"}, Hints: []string{"7 x 7 = 49"}},
		{ID: "q2", PromptPT: "Capital do Brasil?", PromptEN: "Capital of Brazil?", Answers: []string{"brasília", "brasilia"}},
	}
}

func quizPolicy() *policy.Policy {
	cfg := policy.DefaultConfig()
	cfg.VerifyWithQuiz = true
	cfg.QuestionBank = quizBank()
	cfg.QuizSize = 2
	return policy.New(cfg)
}

func answer(s string) *string { return &s }

func TestRequestAccess_BedtimeFallsBackToPolicy(t *testing.T) {
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(22, 30)})

	out, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionDeny, out.Decision.Decision)
	assert.Equal(t, domain.ReasonBedtime, out.Decision.Metadata.Reason)
	assert.Equal(t, domain.StateDeny, out.State)
	assert.Equal(t, SourcePolicy, out.Source)
	assert.True(t, out.Simulated)
	assert.True(t, s.Simulated())
	assert.Len(t, s.Messages(), 1)
}

func TestRequestAccess_StudyFlowGrantsOnYes(t *testing.T) {
	granter := &fakeGranter{}
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(15, 0), Granter: granter})
	ctx := context.Background()

	out, err := s.RequestAccess(ctx, nil, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAskMore, out.State)
	assert.Equal(t, domain.ReasonStudyCompletion, out.Decision.Metadata.Reason)
	assert.Len(t, s.Messages(), 2, "message and follow-up question")
	assert.Empty(t, granter.calls)

	out, err = s.RequestAccess(ctx, answer("  Já terminei! "), "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAllow, out.State)
	assert.Equal(t, 30, out.Decision.AllowedMinutes)
	require.NotNil(t, out.Grant)
	assert.Equal(t, []string{"dev-1:tok"}, granter.calls)

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.SenderUser, msgs[2].From)
	assert.Equal(t, "Já terminei!", msgs[2].Content.PT)
}

func TestRequestAccess_NoGrantWithoutToken(t *testing.T) {
	granter := &fakeGranter{}
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(10, 0), Granter: granter})

	out, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, out.Decision.Decision)
	assert.Nil(t, out.Grant)
	assert.Empty(t, granter.calls)
}

func TestRequestAccess_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(22, 30)})
	ctx := context.Background()

	_, err := s.RequestAccess(ctx, nil, "")
	require.NoError(t, err)

	_, err = s.RequestAccess(ctx, nil, "")
	require.ErrorIs(t, err, chatstate.ErrIllegalTransition)
	assert.Equal(t, domain.StateDeny, s.View().State)

	state, err := s.Continue(ctx)
	require.ErrorIs(t, err, chatstate.ErrIllegalTransition)
	assert.Equal(t, domain.StateDeny, state)

	state, err = s.Dismiss(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, state)
}

func TestRequestAccess_UsesAgentWhenHealthy(t *testing.T) {
	src := &stubSource{resp: &domain.DecisionResponse{
		Decision:       domain.DecisionAllow,
		MessagePT:      "Pode usar por 20 minutos.",
		MessageEN:      "You may use it for 20 minutes.",
		AllowedMinutes: 20,
		Metadata:       domain.DecisionMetadata{Reason: domain.ReasonAllowed, Persona: domain.PersonaTutor},
	}}
	deps := Deps{Now: fixedClock(22, 30), Agent: agent.NewService(src, time.Second, nil)}
	s := New("dev-1", domain.LocaleEN, testSettings(), deps)

	out, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, SourceAgent, out.Source)
	assert.False(t, out.Simulated)
	assert.Equal(t, 20, out.Decision.AllowedMinutes)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestRequestAccess_AgentFailureIsSticky(t *testing.T) {
	src := &stubSource{err: errors.New("connection refused")}
	deps := Deps{Now: fixedClock(10, 0), Agent: agent.NewService(src, time.Second, nil)}
	s := New("dev-1", domain.LocalePT, testSettings(), deps)
	ctx := context.Background()

	out, err := s.RequestAccess(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, SourcePolicy, out.Source)
	assert.True(t, s.Simulated())

	_, err = s.Dismiss(ctx)
	require.NoError(t, err)
	_, err = s.RequestAccess(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "simulation mode skips the agent")

	assert.True(t, s.EnableRemote(ctx))
	assert.False(t, s.Simulated())
	_, err = s.Dismiss(ctx)
	require.NoError(t, err)
	_, err = s.RequestAccess(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRequestAccess_AgentTimeoutFallsBack(t *testing.T) {
	src := &stubSource{block: true}
	deps := Deps{Now: fixedClock(22, 30), Agent: agent.NewService(src, 20*time.Millisecond, nil)}
	s := New("dev-1", domain.LocalePT, testSettings(), deps)

	out, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonBedtime, out.Decision.Metadata.Reason)
	assert.True(t, out.Simulated)
}

func TestRequestAccess_InvalidAgentShapeFallsBack(t *testing.T) {
	src := &stubSource{resp: &domain.DecisionResponse{Decision: "MAYBE"}}
	deps := Deps{Now: fixedClock(10, 0), Agent: agent.NewService(src, time.Second, nil)}
	s := New("dev-1", domain.LocalePT, testSettings(), deps)

	out, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, SourcePolicy, out.Source)
	assert.Equal(t, domain.DecisionAllow, out.Decision.Decision)
}

func TestRequestAccess_ConvertsToConfiguredZone(t *testing.T) {
	settings := testSettings()
	settings.Location = time.FixedZone("BRT", -3*60*60)
	// 17:30 UTC is 14:30 local, inside the study window.
	s := New("dev-1", domain.LocalePT, settings, Deps{Now: fixedClock(17, 30)})

	out, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonStudyCompletion, out.Decision.Metadata.Reason)
}

func TestQuizFlow(t *testing.T) {
	ctx := context.Background()
	newQuizSession := func() *Session {
		return New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(15, 0), Policy: quizPolicy()})
	}

	t.Run("passing grants access", func(t *testing.T) {
		s := newQuizSession()
		_, err := s.RequestAccess(ctx, nil, "")
		require.NoError(t, err)

		out, err := s.RequestAccess(ctx, answer("sim"), "")
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonVerificationQuiz, out.Decision.Metadata.Reason)
		require.NotNil(t, out.Challenge)
		assert.Len(t, out.Challenge.Questions, 2)
		assert.Equal(t, 2, out.Challenge.MaxAttempts)

		_, err = s.AnswerChallenge(ctx, "q1", "56")
		require.NoError(t, err)
		progress, err := s.AnswerChallenge(ctx, "q2", "Brasília")
		require.NoError(t, err)
		assert.Equal(t, 2, progress.CompletedQuestions)

		_, err = s.AnswerChallenge(ctx, "q9", "x")
		require.ErrorIs(t, err, ErrUnknownQuestion)

		out, err = s.SubmitChallenge(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StateAllow, out.State)
		assert.Equal(t, domain.ReasonQuizPassed, out.Decision.Metadata.Reason)

		view := s.View()
		assert.Nil(t, view.Challenge)
		assert.Equal(t, 1, view.Stats.Successes)
	})

	t.Run("partial retries then exhausts attempts", func(t *testing.T) {
		s := newQuizSession()
		_, err := s.RequestAccess(ctx, nil, "")
		require.NoError(t, err)
		_, err = s.RequestAccess(ctx, answer("yes"), "")
		require.NoError(t, err)

		_, err = s.AnswerChallenge(ctx, "q1", "54")
		require.NoError(t, err)
		_, err = s.AnswerChallenge(ctx, "q2", "brasilia")
		require.NoError(t, err)

		out, err := s.SubmitChallenge(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StateAskMore, out.State)
		assert.Equal(t, domain.ReasonQuizPartial, out.Decision.Metadata.Reason)
		require.NotNil(t, out.Challenge)
		assert.Equal(t, 2, out.Challenge.CurrentAttempt)
		assert.Equal(t, domain.ChallengeActive, out.Challenge.Status)
		assert.Empty(t, out.Progress.AnsweredQuestions)

		_, err = s.AnswerChallenge(ctx, "q1", "54")
		require.NoError(t, err)
		_, err = s.AnswerChallenge(ctx, "q2", "brasilia")
		require.NoError(t, err)

		out, err = s.SubmitChallenge(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StateDeny, out.State)
		assert.Equal(t, domain.ReasonQuizFailed, out.Decision.Metadata.Reason)
		require.NotNil(t, out.Challenge)
		assert.Equal(t, domain.ChallengeFailed, out.Challenge.Status)

		_, err = s.RetryChallenge(ctx)
		require.ErrorIs(t, err, ErrNoRetriesLeft)
	})

	t.Run("manual retry after failing", func(t *testing.T) {
		s := newQuizSession()
		_, err := s.RequestAccess(ctx, nil, "")
		require.NoError(t, err)
		_, err = s.RequestAccess(ctx, answer("sim"), "")
		require.NoError(t, err)

		out, err := s.SubmitChallenge(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, domain.StateDeny, out.State)

		out, err = s.RetryChallenge(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StateAskMore, out.State)
		assert.Equal(t, 2, out.Challenge.CurrentAttempt)
	})

	t.Run("submit without challenge", func(t *testing.T) {
		s := newQuizSession()
		_, err := s.SubmitChallenge(ctx, "")
		require.ErrorIs(t, err, ErrNoActiveChallenge)
		_, err = s.AnswerChallenge(ctx, "q1", "56")
		require.ErrorIs(t, err, ErrNoActiveChallenge)
	})
}

func TestTryBeginRequest(t *testing.T) {
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(10, 0)})

	done, ok := s.TryBeginRequest()
	require.True(t, ok)
	_, ok = s.TryBeginRequest()
	assert.False(t, ok, "overlapping request is rejected")

	done()
	done, ok = s.TryBeginRequest()
	require.True(t, ok)
	done()
}

type movableClock struct {
	t time.Time
}

func (c *movableClock) Now() time.Time { return c.t }

func (c *movableClock) Set(day, hour, minute int) {
	c.t = time.Date(2025, time.March, day, hour, minute, 0, 0, time.UTC)
}

func TestSubmitChallenge_BlockWindowWinsOverGrading(t *testing.T) {
	ctx := context.Background()
	clock := &movableClock{}
	clock.Set(10, 15, 0)
	granter := &fakeGranter{}
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: clock.Now, Policy: quizPolicy(), Granter: granter})

	_, err := s.RequestAccess(ctx, nil, "tok")
	require.NoError(t, err)
	out, err := s.RequestAccess(ctx, answer("sim"), "tok")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonVerificationQuiz, out.Decision.Metadata.Reason)
	_, err = s.AnswerChallenge(ctx, "q1", "56")
	require.NoError(t, err)
	_, err = s.AnswerChallenge(ctx, "q2", "brasilia")
	require.NoError(t, err)

	clock.Set(10, 22, 30)
	out, err = s.SubmitChallenge(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, out.Decision.Decision)
	assert.Equal(t, domain.ReasonBedtime, out.Decision.Metadata.Reason)
	assert.Zero(t, out.Decision.AllowedMinutes)
	assert.Nil(t, out.Grant)
	assert.Empty(t, granter.calls)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, domain.ChallengeAnswering, out.Challenge.Status, "answers are kept, not graded")
	assert.Zero(t, s.View().Stats.Attempts)

	clock.Set(11, 15, 0)
	_, err = s.Dismiss(ctx)
	require.NoError(t, err)
	out, err = s.SubmitChallenge(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonQuizPassed, out.Decision.Metadata.Reason)
	assert.Equal(t, []string{"dev-1:tok"}, granter.calls)
}

func TestQuiz_ExhaustedAttemptsLockUntilNextDay(t *testing.T) {
	ctx := context.Background()
	clock := &movableClock{}
	clock.Set(10, 15, 0)
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: clock.Now, Policy: quizPolicy()})

	askForQuiz := func() *Outcome {
		t.Helper()
		_, err := s.RequestAccess(ctx, nil, "")
		require.NoError(t, err)
		out, err := s.RequestAccess(ctx, answer("sim"), "")
		require.NoError(t, err)
		return out
	}

	out := askForQuiz()
	require.Equal(t, domain.ReasonVerificationQuiz, out.Decision.Metadata.Reason)
	for i := 0; i < 2; i++ {
		_, err := s.AnswerChallenge(ctx, "q1", "54")
		require.NoError(t, err)
		_, err = s.AnswerChallenge(ctx, "q2", "brasilia")
		require.NoError(t, err)
		out, err = s.SubmitChallenge(ctx, "")
		require.NoError(t, err)
	}
	require.Equal(t, domain.ReasonQuizFailed, out.Decision.Metadata.Reason)
	_, err := s.RetryChallenge(ctx)
	require.ErrorIs(t, err, ErrNoRetriesLeft)

	_, err = s.Dismiss(ctx)
	require.NoError(t, err)
	out = askForQuiz()
	assert.Equal(t, domain.StateDeny, out.State)
	assert.Equal(t, domain.ReasonQuizFailed, out.Decision.Metadata.Reason)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, 2, out.Challenge.CurrentAttempt)
	assert.Equal(t, domain.ChallengeFailed, out.Challenge.Status)

	s.Reset(ctx)
	out = askForQuiz()
	assert.Equal(t, domain.ReasonQuizFailed, out.Decision.Metadata.Reason, "reset keeps the lock")

	_, err = s.Dismiss(ctx)
	require.NoError(t, err)
	clock.Set(11, 15, 0)
	out = askForQuiz()
	assert.Equal(t, domain.ReasonVerificationQuiz, out.Decision.Metadata.Reason)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, 1, out.Challenge.CurrentAttempt)
	assert.Equal(t, domain.ChallengeActive, out.Challenge.Status)
}

func TestReset(t *testing.T) {
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(22, 30)})
	ctx := context.Background()

	_, err := s.RequestAccess(ctx, nil, "")
	require.NoError(t, err)

	s.Reset(ctx)
	view := s.View()
	assert.Equal(t, domain.StateIdle, view.State)
	assert.Empty(t, view.Messages)
	assert.True(t, view.Simulation, "reset keeps simulation mode")
	assert.Equal(t, domain.StateIdle, view.History[len(view.History)-1])
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := New("dev-1", domain.LocalePT, testSettings(), Deps{Now: fixedClock(22, 30)})

	var events []Event
	unsubscribe := s.Subscribe(func(ev Event) { events = append(events, ev) })
	s.Subscribe(func(Event) { panic("broken listener") })

	_, err := s.RequestAccess(context.Background(), nil, "")
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, EventState, events[0].Type)
	assert.Equal(t, domain.StateRequesting, events[0].State)
	assert.Equal(t, EventState, events[1].Type)
	assert.Equal(t, domain.StateDeny, events[1].State)
	assert.Equal(t, EventMessage, events[2].Type)

	unsubscribe()
	s.Reset(context.Background())
	assert.Len(t, events, 3)
}

func TestSnapshotRoundTripThroughStore(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	deps := Deps{Now: fixedClock(15, 0), Policy: quizPolicy(), Store: repo}

	reg, err := NewRegistry(8, domain.LocalePT, testSettings(), deps)
	require.NoError(t, err)
	s, err := reg.Get(ctx, "dev-1", "")
	require.NoError(t, err)

	_, err = s.RequestAccess(ctx, nil, "")
	require.NoError(t, err)
	_, err = s.RequestAccess(ctx, answer("sim"), "")
	require.NoError(t, err)
	_, err = s.AnswerChallenge(ctx, "q1", "56")
	require.NoError(t, err)

	decisions, err := repo.ListDecisions(ctx, "dev-1", 10)
	require.NoError(t, err)
	assert.Len(t, decisions, 2)

	// A second registry simulates a restart.
	reg2, err := NewRegistry(8, domain.LocalePT, testSettings(), deps)
	require.NoError(t, err)
	restored, err := reg2.Get(ctx, "dev-1", domain.LocaleEN)
	require.NoError(t, err)

	view := restored.View()
	assert.Equal(t, domain.StateAskMore, view.State)
	assert.True(t, view.Simulation)
	assert.Len(t, view.Messages, 5)
	require.NotNil(t, view.Challenge)
	assert.Equal(t, "56", view.Progress.AnsweredQuestions["q1"])

	_, err = restored.AnswerChallenge(ctx, "q2", "brasilia")
	require.NoError(t, err)
	out, err := restored.SubmitChallenge(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonQuizPassed, out.Decision.Metadata.Reason, "accepted answers survive the snapshot")
}

func TestRegistryEvictIdle(t *testing.T) {
	now := time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
	reg, err := NewRegistry(4, domain.LocalePT, testSettings(), Deps{Now: func() time.Time { return now }})
	require.NoError(t, err)

	ctx := context.Background()
	a, err := reg.Get(ctx, "a", "")
	require.NoError(t, err)
	_, err = reg.Get(ctx, "b", "")
	require.NoError(t, err)

	again, err := reg.Get(ctx, "a", domain.LocaleEN)
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, domain.LocalePT, again.View().Locale, "locale is locked for the session")

	assert.Equal(t, 0, reg.EvictIdle(now.Add(10*time.Minute), time.Hour))
	assert.Equal(t, 2, reg.EvictIdle(now.Add(2*time.Hour), time.Hour))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryIsBounded(t *testing.T) {
	reg, err := NewRegistry(2, domain.LocalePT, testSettings(), Deps{})
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Get(ctx, id, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, reg.Len())
	_, ok := reg.Peek("a")
	assert.False(t, ok)
}
