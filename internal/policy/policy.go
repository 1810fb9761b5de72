// Package policy implements the local access decision engine used when the
// remote agent is not available.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/timewindow"
)

// Config holds the tunables of the local policy.
type Config struct {
	DefaultGrantMinutes int
	StudyGrantMinutes   int
	Vocabulary          Vocabulary

	// VerifyWithQuiz asks quiz questions from QuestionBank before granting
	// access to a child who claims the study task is done.
	VerifyWithQuiz bool
	QuizSize       int
	QuestionBank   []domain.Question
	PassRatio      float64
	PartialRatio   float64
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{
		DefaultGrantMinutes: 60,
		StudyGrantMinutes:   30,
		Vocabulary:          DefaultVocabulary(),
		QuizSize:            2,
		PassRatio:           1.0,
		PartialRatio:        0.5,
	}
}

// Context is the input of a decision.
type Context struct {
	Now          time.Time
	Timezone     string
	BlockWindows []domain.TimeWindow
	StudyWindows []domain.TimeWindow
}

// Policy evaluates access requests against time windows and answers.
type Policy struct {
	cfg        Config
	classifier *Classifier
}

// New creates a policy from cfg.
func New(cfg Config) *Policy {
	if cfg.QuizSize <= 0 {
		cfg.QuizSize = 1
	}
	return &Policy{
		cfg:        cfg,
		classifier: NewClassifier(cfg.Vocabulary),
	}
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Classify exposes the answer classification used by Decide.
func (p *Policy) Classify(answer string) Class {
	return p.classifier.Classify(answer)
}

// Decide evaluates ctx and an optional answer to the pending question.
//
// Block windows take precedence over study windows, which take precedence
// over the default grant.
func (p *Policy) Decide(ctx Context, answer *string) (*domain.DecisionResponse, error) {
	if resp, err := p.Blocked(ctx); err != nil || resp != nil {
		return resp, err
	}

	studying, err := timewindow.InAnyWindow(ctx.Now, ctx.StudyWindows, ctx.Timezone)
	if err != nil {
		return nil, fmt.Errorf("evaluate study windows: %w", err)
	}
	if !studying {
		return defaultAllowed(p.cfg.DefaultGrantMinutes), nil
	}

	if answer == nil {
		return studyCompletion(), nil
	}

	switch p.classifier.Classify(*answer) {
	case ClassPositive:
		if p.cfg.VerifyWithQuiz && len(p.cfg.QuestionBank) > 0 {
			return verificationQuiz(p.pickQuestions(ctx.Now)), nil
		}
		return studyAllowed(p.cfg.StudyGrantMinutes), nil
	case ClassNegative:
		return studyDenied(), nil
	default:
		return clarification(), nil
	}
}

// Blocked returns the bedtime decision when ctx.Now falls inside a block
// window and nil otherwise. Every other path, quiz grading included, must
// consult it first.
func (p *Policy) Blocked(ctx Context) (*domain.DecisionResponse, error) {
	blocked, err := timewindow.InAnyWindow(ctx.Now, ctx.BlockWindows, ctx.Timezone)
	if err != nil {
		return nil, fmt.Errorf("evaluate block windows: %w", err)
	}
	if blocked {
		return bedtime(), nil
	}
	return nil, nil
}

// AttemptsExhausted is the decision for a quiz requested after every
// attempt of the day has been used.
func (p *Policy) AttemptsExhausted() *domain.DecisionResponse {
	return quizFailed()
}

// pickQuestions rotates through the question bank by day of year.
func (p *Policy) pickQuestions(now time.Time) []domain.Question {
	bank := p.cfg.QuestionBank
	n := min(p.cfg.QuizSize, len(bank))
	offset := now.YearDay() % len(bank)

	picked := make([]domain.Question, 0, n)
	for i := 0; i < n; i++ {
		q := bank[(offset+i)%len(bank)]
		q.HintIndex = 0
		picked = append(picked, q)
	}
	return picked
}

// Grade scores answers to a quiz and maps the score onto a decision. A
// partial score only asks again when canRetry is set.
func (p *Policy) Grade(questions []domain.Question, answers map[string]string, canRetry bool) (*domain.DecisionResponse, domain.ChallengeResult) {
	var result domain.ChallengeResult
	var firstMissed *domain.Question

	for i := range questions {
		q := questions[i]
		if q.Accepts(answers[q.ID]) {
			result.Correct = append(result.Correct, q.ID)
			continue
		}
		result.Incorrect = append(result.Incorrect, q.ID)
		if firstMissed == nil {
			firstMissed = &q
		}
	}

	if len(questions) > 0 {
		result.Score = float64(len(result.Correct)) / float64(len(questions))
	}

	switch {
	case len(questions) > 0 && result.Score >= p.cfg.PassRatio:
		result.Success = true
		return quizPassed(p.cfg.StudyGrantMinutes), result
	case canRetry && firstMissed != nil && result.Score >= p.cfg.PartialRatio && result.Score > 0:
		hint := firstMissed.NextHint()
		return quizPartial(*firstMissed, strings.TrimSpace(hint)), result
	default:
		return quizFailed(), result
	}
}
