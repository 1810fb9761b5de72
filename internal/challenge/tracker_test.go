package challenge

import (
	"testing"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC)}
	return NewTracker(clock.Now), clock
}

func twoQuestions() []domain.Question {
	return []domain.Question{
		{ID: "q1", PromptEN: "What is 7 x 8?", Answers: []string{"56"}},
		{ID: "q2", PromptEN: "Capital of Brazil?", Answers: []string{"Brasília"}},
	}
}

func TestCreate(t *testing.T) {
	tr, clock := newTestTracker()

	require.ErrorIs(t, tr.Create("c0", nil, 3, domain.ChallengeMetadata{}), ErrEmptyQuestionSet)
	require.ErrorIs(t, tr.Create("c0", twoQuestions(), 0, domain.ChallengeMetadata{}), ErrInvalidMaxAttempts)
	assert.False(t, tr.IsActive())

	require.NoError(t, tr.Create("c1", twoQuestions(), 3, domain.ChallengeMetadata{Subject: "math"}))
	c, p := tr.Current()
	require.NotNil(t, c)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, 1, c.CurrentAttempt)
	assert.Equal(t, domain.ChallengeActive, c.Status)
	assert.Equal(t, clock.Now(), c.StartTime)
	assert.Equal(t, 2, p.TotalQuestions)
	assert.Zero(t, p.CompletedQuestions)
	assert.True(t, tr.IsActive())
}

func TestCreate_ReplacesPreviousChallenge(t *testing.T) {
	tr, _ := newTestTracker()
	require.NoError(t, tr.Create("c1", twoQuestions(), 3, domain.ChallengeMetadata{}))
	tr.AnswerQuestion("q1", "56")

	require.NoError(t, tr.Create("c2", twoQuestions()[:1], 1, domain.ChallengeMetadata{}))
	c, p := tr.Current()
	assert.Equal(t, "c2", c.ID)
	assert.Empty(t, p.AnsweredQuestions)
	assert.Equal(t, 1, p.TotalQuestions)
}

func TestAnswerQuestion(t *testing.T) {
	tr, clock := newTestTracker()
	assert.False(t, tr.AnswerQuestion("q1", "56"), "no active challenge")

	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))
	clock.Advance(30 * time.Second)

	assert.True(t, tr.AnswerQuestion("q1", "56"))
	assert.True(t, tr.AnswerQuestion("q1", "56"))
	_, p := tr.Current()
	assert.Equal(t, 1, p.CompletedQuestions, "repeating an answer counts once")
	assert.Equal(t, 30*time.Second, p.TimeSpent)
	assert.Equal(t, 50, tr.ProgressPercentage())

	assert.True(t, tr.AnswerQuestion("q2", "   "))
	c, p := tr.Current()
	assert.Equal(t, 1, p.CompletedQuestions, "blank answers do not count")
	assert.Equal(t, domain.ChallengeActive, c.Status)

	assert.False(t, tr.AnswerQuestion("unknown", "x"))

	assert.True(t, tr.AnswerQuestion("q2", "Brasília"))
	c, p = tr.Current()
	assert.Equal(t, 2, p.CompletedQuestions)
	assert.Equal(t, domain.ChallengeAnswering, c.Status)
	assert.Equal(t, 100, tr.ProgressPercentage())
}

func TestAnswerQuestion_OnlyWhileActive(t *testing.T) {
	tr, _ := newTestTracker()
	require.NoError(t, tr.Create("c1", twoQuestions(), 1, domain.ChallengeMetadata{}))
	require.True(t, tr.AnswerQuestion("q1", "56"))

	tr.SubmitAnswers()
	assert.False(t, tr.AnswerQuestion("q2", "Brasília"), "validating")
	_, p := tr.Current()
	assert.Equal(t, 1, p.CompletedQuestions)

	tr.RecordResult(domain.ChallengeResult{Success: false})
	assert.False(t, tr.AnswerQuestion("q1", "57"), "failed")
	_, p = tr.Current()
	assert.Equal(t, "56", p.AnsweredQuestions["q1"])

	require.NoError(t, tr.Create("c2", twoQuestions(), 1, domain.ChallengeMetadata{}))
	tr.SubmitAnswers()
	tr.RecordResult(domain.ChallengeResult{Success: true, Score: 1})
	assert.False(t, tr.AnswerQuestion("q1", "56"), "completed")
}

func TestExhausted(t *testing.T) {
	tr, _ := newTestTracker()
	assert.False(t, tr.Exhausted())

	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))
	tr.CompleteChallenge(domain.ChallengeResult{Success: false})
	assert.False(t, tr.Exhausted(), "second attempt still running")

	tr.CompleteChallenge(domain.ChallengeResult{Success: false})
	assert.True(t, tr.Exhausted())

	tr.Clear()
	assert.False(t, tr.Exhausted())
}

func TestSubmitAnswers(t *testing.T) {
	tr, _ := newTestTracker()
	_, ok := tr.SubmitAnswers()
	assert.False(t, ok)

	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))
	tr.AnswerQuestion("q1", "56")

	answers, ok := tr.SubmitAnswers()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"q1": "56"}, answers)

	answers["q1"] = "tampered"
	_, p := tr.Current()
	assert.Equal(t, "56", p.AnsweredQuestions["q1"])

	c, _ := tr.Current()
	assert.Equal(t, domain.ChallengeValidating, c.Status)
	assert.False(t, tr.IsActive())
}

func TestCompleteChallenge_Success(t *testing.T) {
	tr, _ := newTestTracker()
	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))

	tr.CompleteChallenge(domain.ChallengeResult{Success: true, Score: 1})

	c, p := tr.Current()
	assert.Equal(t, domain.ChallengeCompleted, c.Status)
	assert.Equal(t, 1, c.CurrentAttempt)
	require.NotNil(t, p.Score)
	assert.InDelta(t, 1.0, *p.Score, 0.0001)
	require.Len(t, tr.History(), 1)
	assert.Equal(t, "c1", tr.History()[0].ChallengeID)
}

// Two questions, two attempts: the first failure retries automatically, the
// second one is final.
func TestCompleteChallenge_AutoRetryUntilExhausted(t *testing.T) {
	tr, clock := newTestTracker()
	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))
	start := clock.Now()

	clock.Advance(time.Minute)
	tr.AnswerQuestion("q1", "1")
	tr.AnswerQuestion("q2", "2")
	c, _ := tr.Current()
	assert.Equal(t, domain.ChallengeAnswering, c.Status)

	_, ok := tr.SubmitAnswers()
	require.True(t, ok)
	tr.CompleteChallenge(domain.ChallengeResult{Success: false})

	c, p := tr.Current()
	assert.Equal(t, domain.ChallengeActive, c.Status)
	assert.Equal(t, 2, c.CurrentAttempt)
	assert.Equal(t, start, c.StartTime, "auto retry keeps the start time")
	assert.Empty(t, p.AnsweredQuestions)
	assert.Zero(t, p.CompletedQuestions)
	assert.Equal(t, 0, tr.RemainingAttempts())

	tr.AnswerQuestion("q1", "1")
	tr.SubmitAnswers()
	tr.CompleteChallenge(domain.ChallengeResult{Success: false})

	c, _ = tr.Current()
	assert.Equal(t, domain.ChallengeFailed, c.Status)
	assert.Equal(t, 2, c.CurrentAttempt)
	assert.False(t, tr.CanRetry())
	assert.Len(t, tr.History(), 2)
}

func TestRecordResultThenMaybeAutoRetry(t *testing.T) {
	tr, _ := newTestTracker()
	require.NoError(t, tr.Create("c1", twoQuestions(), 3, domain.ChallengeMetadata{}))

	require.True(t, tr.RecordResult(domain.ChallengeResult{Success: false, Score: 0.5}))
	c, _ := tr.Current()
	assert.Equal(t, domain.ChallengeFailed, c.Status)
	assert.Equal(t, 1, c.CurrentAttempt)

	require.True(t, tr.MaybeAutoRetry())
	c, _ = tr.Current()
	assert.Equal(t, domain.ChallengeActive, c.Status)
	assert.Equal(t, 2, c.CurrentAttempt)

	assert.False(t, tr.MaybeAutoRetry(), "only failed challenges retry")
}

func TestRetry(t *testing.T) {
	tr, clock := newTestTracker()
	assert.False(t, tr.Retry())

	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))
	tr.AnswerQuestion("q1", "56")
	clock.Advance(5 * time.Minute)

	require.True(t, tr.Retry())
	c, p := tr.Current()
	assert.Equal(t, 2, c.CurrentAttempt)
	assert.Equal(t, clock.Now(), c.StartTime, "manual retry resets the start time")
	assert.Empty(t, p.AnsweredQuestions)

	assert.False(t, tr.Retry(), "attempts exhausted")
	c, _ = tr.Current()
	assert.Equal(t, 2, c.CurrentAttempt)
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker()
	require.NoError(t, tr.Create("c1", twoQuestions(), 2, domain.ChallengeMetadata{}))
	tr.Clear()

	c, p := tr.Current()
	assert.Nil(t, c)
	assert.Nil(t, p)
	assert.False(t, tr.IsActive())
	assert.Equal(t, 0, tr.ProgressPercentage())
	assert.Equal(t, 0, tr.RemainingAttempts())
	tr.CompleteChallenge(domain.ChallengeResult{Success: true})
	assert.Empty(t, tr.History())
}

func TestStats(t *testing.T) {
	tr, clock := newTestTracker()
	assert.Equal(t, Stats{}, tr.Stats())

	require.NoError(t, tr.Create("c1", twoQuestions(), 3, domain.ChallengeMetadata{}))
	clock.Advance(time.Minute)
	tr.CompleteChallenge(domain.ChallengeResult{Success: false, Score: 0.5})
	clock.Advance(time.Minute)
	tr.CompleteChallenge(domain.ChallengeResult{Success: true, Score: 1})

	s := tr.Stats()
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, 1, s.Successes)
	assert.Equal(t, 1, s.Failures)
	assert.InDelta(t, 0.5, s.SuccessRate, 0.0001)
	assert.InDelta(t, 0.75, s.AverageScore, 0.0001)
	assert.InDelta(t, 1.0, s.BestScore, 0.0001)
	assert.Equal(t, 3*time.Minute, s.TotalTimeSpent)
}
