package domain

import (
	"strings"
	"time"
)

// Question is a single quiz question of a challenge.
type Question struct {
	ID         string   `json:"id" yaml:"id"`
	PromptPT   string   `json:"prompt_pt" yaml:"prompt_pt"`
	PromptEN   string   `json:"prompt_en" yaml:"prompt_en"`
	Answers    []string `json:"-" yaml:"answers"`
	Hints      []string `json:"hints,omitempty" yaml:"hints"`
	Subject    string   `json:"subject,omitempty" yaml:"subject"`
	Difficulty string   `json:"difficulty,omitempty" yaml:"difficulty"`
	HintIndex  int      `json:"-" yaml:"-"`
}

// NextHint returns the next available hint for the question.
// Returns empty string if no more hints are available.
func (q *Question) NextHint() string {
	if q.HintIndex >= len(q.Hints) {
		return ""
	}
	hint := q.Hints[q.HintIndex]
	q.HintIndex++
	return hint
}

// HasHints returns true if there are hints remaining.
func (q *Question) HasHints() bool {
	return q.HintIndex < len(q.Hints)
}

// Accepts reports whether answer matches one of the accepted answers,
// ignoring case and surrounding whitespace.
func (q *Question) Accepts(answer string) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "" {
		return false
	}
	for _, a := range q.Answers {
		if strings.ToLower(strings.TrimSpace(a)) == answer {
			return true
		}
	}
	return false
}

// ChallengeStatus is the lifecycle status of a challenge.
type ChallengeStatus string

const (
	ChallengeActive     ChallengeStatus = "active"
	ChallengeAnswering  ChallengeStatus = "answering"
	ChallengeValidating ChallengeStatus = "validating"
	ChallengeCompleted  ChallengeStatus = "completed"
	ChallengeFailed     ChallengeStatus = "failed"
)

// ChallengeMetadata describes a challenge for presentation.
type ChallengeMetadata struct {
	Difficulty    string        `json:"difficulty"`
	Subject       string        `json:"subject"`
	EstimatedTime time.Duration `json:"estimated_time"`
}

// Challenge is a bounded set of questions gating access.
type Challenge struct {
	ID             string            `json:"id"`
	Questions      []Question        `json:"questions"`
	StartTime      time.Time         `json:"start_time"`
	MaxAttempts    int               `json:"max_attempts"`
	CurrentAttempt int               `json:"current_attempt"`
	Status         ChallengeStatus   `json:"status"`
	Metadata       ChallengeMetadata `json:"metadata"`
}

// ChallengeProgress tracks the answers of the current attempt.
type ChallengeProgress struct {
	ChallengeID        string            `json:"challenge_id"`
	AnsweredQuestions  map[string]string `json:"answered_questions"`
	TotalQuestions     int               `json:"total_questions"`
	CompletedQuestions int               `json:"completed_questions"`
	TimeSpent          time.Duration     `json:"time_spent"`
	Score              *float64          `json:"score,omitempty"`
}

// ChallengeResult is the outcome of validating one attempt.
type ChallengeResult struct {
	ChallengeID string        `json:"challenge_id"`
	Attempt     int           `json:"attempt"`
	Success     bool          `json:"success"`
	Score       float64       `json:"score"`
	Correct     []string      `json:"correct,omitempty"`
	Incorrect   []string      `json:"incorrect,omitempty"`
	TimeSpent   time.Duration `json:"time_spent"`
	CompletedAt time.Time     `json:"completed_at"`
}
