// Package challenge tracks multi-question challenges that gate access.
package challenge

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
)

var (
	// ErrEmptyQuestionSet is returned when a challenge is created without questions.
	ErrEmptyQuestionSet = errors.New("challenge has no questions")
	// ErrInvalidMaxAttempts is returned when maxAttempts is below 1.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
)

// Tracker owns at most one challenge and its progress at a time.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	challenge *domain.Challenge
	progress  *domain.ChallengeProgress
	history   []domain.ChallengeResult
	now       func() time.Time
}

// NewTracker creates an empty tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Create starts a new challenge, replacing any current one.
func (t *Tracker) Create(id string, questions []domain.Question, maxAttempts int, metadata domain.ChallengeMetadata) error {
	if len(questions) == 0 {
		return ErrEmptyQuestionSet
	}
	if maxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	qs := make([]domain.Question, len(questions))
	copy(qs, questions)

	t.challenge = &domain.Challenge{
		ID:             id,
		Questions:      qs,
		StartTime:      t.now(),
		MaxAttempts:    maxAttempts,
		CurrentAttempt: 1,
		Status:         domain.ChallengeActive,
		Metadata:       metadata,
	}
	t.progress = newProgress(id, len(qs))
	return nil
}

func newProgress(id string, total int) *domain.ChallengeProgress {
	return &domain.ChallengeProgress{
		ChallengeID:       id,
		AnsweredQuestions: make(map[string]string),
		TotalQuestions:    total,
	}
}

// AnswerQuestion records an answer for questionID. It returns false when
// there is no active challenge or the question is not part of it.
// Once every question has a non-empty answer the challenge moves to answering.
func (t *Tracker) AnswerQuestion(questionID, answer string) bool {
	if !t.IsActive() || t.progress == nil {
		return false
	}
	if !t.hasQuestion(questionID) {
		return false
	}

	t.progress.AnsweredQuestions[questionID] = answer
	t.progress.CompletedQuestions = countAnswered(t.progress.AnsweredQuestions)
	t.progress.TimeSpent = t.now().Sub(t.challenge.StartTime)

	if t.progress.CompletedQuestions == t.progress.TotalQuestions {
		t.challenge.Status = domain.ChallengeAnswering
	}
	return true
}

func (t *Tracker) hasQuestion(id string) bool {
	for _, q := range t.challenge.Questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

func countAnswered(answers map[string]string) int {
	n := 0
	for _, a := range answers {
		if strings.TrimSpace(a) != "" {
			n++
		}
	}
	return n
}

// SubmitAnswers moves the challenge to validating and returns a copy of the
// answers. ok is false when there is no active challenge.
func (t *Tracker) SubmitAnswers() (answers map[string]string, ok bool) {
	if t.challenge == nil || t.progress == nil {
		return nil, false
	}
	t.challenge.Status = domain.ChallengeValidating
	return copyAnswers(t.progress.AnsweredQuestions), true
}

// CompleteChallenge records result and, on failure with attempts left,
// starts the next attempt.
func (t *Tracker) CompleteChallenge(result domain.ChallengeResult) {
	if !t.RecordResult(result) {
		return
	}
	t.MaybeAutoRetry()
}

// RecordResult appends result to history and settles the challenge status.
// It returns false when there is no current challenge.
func (t *Tracker) RecordResult(result domain.ChallengeResult) bool {
	if t.challenge == nil || t.progress == nil {
		return false
	}

	if result.ChallengeID == "" {
		result.ChallengeID = t.challenge.ID
	}
	if result.Attempt == 0 {
		result.Attempt = t.challenge.CurrentAttempt
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = t.now()
	}
	if result.TimeSpent == 0 {
		result.TimeSpent = result.CompletedAt.Sub(t.challenge.StartTime)
	}
	t.history = append(t.history, result)

	score := result.Score
	t.progress.Score = &score
	if result.Success {
		t.challenge.Status = domain.ChallengeCompleted
	} else {
		t.challenge.Status = domain.ChallengeFailed
	}
	return true
}

// MaybeAutoRetry starts the next attempt of a failed challenge when attempts
// remain. The original start time is kept. It reports whether a retry began.
func (t *Tracker) MaybeAutoRetry() bool {
	if t.challenge == nil || t.challenge.Status != domain.ChallengeFailed || !t.CanRetry() {
		return false
	}
	t.challenge.CurrentAttempt++
	t.challenge.Status = domain.ChallengeActive
	t.progress = newProgress(t.challenge.ID, len(t.challenge.Questions))
	return true
}

// Retry starts a new attempt on request, resetting the start time and
// progress. It returns false when no attempts remain.
func (t *Tracker) Retry() bool {
	if t.challenge == nil || !t.CanRetry() {
		return false
	}
	t.challenge.CurrentAttempt++
	t.challenge.StartTime = t.now()
	t.challenge.Status = domain.ChallengeActive
	t.progress = newProgress(t.challenge.ID, len(t.challenge.Questions))
	return true
}

// Clear drops the current challenge and its progress.
func (t *Tracker) Clear() {
	t.challenge = nil
	t.progress = nil
}

// IsActive reports whether a challenge is waiting for answers.
func (t *Tracker) IsActive() bool {
	if t.challenge == nil {
		return false
	}
	switch t.challenge.Status {
	case domain.ChallengeActive, domain.ChallengeAnswering:
		return true
	}
	return false
}

// Exhausted reports whether the current challenge failed with no attempts
// left.
func (t *Tracker) Exhausted() bool {
	return t.challenge != nil && t.challenge.Status == domain.ChallengeFailed && !t.CanRetry()
}

// CanRetry reports whether another attempt is allowed.
func (t *Tracker) CanRetry() bool {
	return t.challenge != nil && t.challenge.CurrentAttempt < t.challenge.MaxAttempts
}

// RemainingAttempts returns the number of attempts left after the current one.
func (t *Tracker) RemainingAttempts() int {
	if t.challenge == nil {
		return 0
	}
	return max(t.challenge.MaxAttempts-t.challenge.CurrentAttempt, 0)
}

// ProgressPercentage returns the share of answered questions, 0-100.
func (t *Tracker) ProgressPercentage() int {
	if t.progress == nil || t.progress.TotalQuestions == 0 {
		return 0
	}
	pct := float64(t.progress.CompletedQuestions) / float64(t.progress.TotalQuestions) * 100
	return int(math.Round(pct))
}

// Current returns copies of the current challenge and progress.
func (t *Tracker) Current() (*domain.Challenge, *domain.ChallengeProgress) {
	if t.challenge == nil || t.progress == nil {
		return nil, nil
	}
	c := *t.challenge
	c.Questions = make([]domain.Question, len(t.challenge.Questions))
	copy(c.Questions, t.challenge.Questions)

	p := *t.progress
	p.AnsweredQuestions = copyAnswers(t.progress.AnsweredQuestions)
	if t.progress.Score != nil {
		score := *t.progress.Score
		p.Score = &score
	}
	return &c, &p
}

// History returns every recorded result, oldest first.
func (t *Tracker) History() []domain.ChallengeResult {
	out := make([]domain.ChallengeResult, len(t.history))
	copy(out, t.history)
	return out
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Restore replaces the tracker contents with a saved challenge, its
// progress and result history. A nil challenge leaves the tracker empty.
func (t *Tracker) Restore(c *domain.Challenge, p *domain.ChallengeProgress, history []domain.ChallengeResult) {
	t.history = append([]domain.ChallengeResult(nil), history...)
	if c == nil {
		t.Clear()
		return
	}
	cc := *c
	cc.Questions = append([]domain.Question(nil), c.Questions...)
	t.challenge = &cc
	if p == nil {
		t.progress = newProgress(c.ID, len(c.Questions))
		return
	}
	pp := *p
	pp.AnsweredQuestions = copyAnswers(p.AnsweredQuestions)
	t.progress = &pp
}
