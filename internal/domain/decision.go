package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDecision is returned when a DecisionResponse breaks its shape contract.
var ErrInvalidDecision = errors.New("invalid decision response")

// Decision is the outcome of an access request.
type Decision string

const (
	DecisionAllow   Decision = "ALLOW"
	DecisionDeny    Decision = "DENY"
	DecisionAskMore Decision = "ASK_MORE"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAskMore:
		return true
	}
	return false
}

// Persona is the voice used in response messaging. It carries no behavior.
type Persona string

const (
	PersonaTutor    Persona = "tutor"
	PersonaMaternal Persona = "maternal"
	PersonaGeneral  Persona = "general"
)

// Valid reports whether p is a known persona.
func (p Persona) Valid() bool {
	switch p {
	case PersonaTutor, PersonaMaternal, PersonaGeneral:
		return true
	}
	return false
}

// Decision reasons produced by the local policy.
const (
	ReasonBedtime             = "bedtime"
	ReasonStudyCompletion     = "study_completion"
	ReasonStudyTime           = "study_time"
	ReasonClarificationNeeded = "clarification_needed"
	ReasonAllowed             = "allowed"
	ReasonVerificationQuiz    = "verification_quiz"
	ReasonQuizPassed          = "quiz_passed"
	ReasonQuizPartial         = "quiz_partial"
	ReasonQuizFailed          = "quiz_failed"
)

// DecisionMetadata describes why a decision was taken and in which voice.
type DecisionMetadata struct {
	Reason  string  `json:"reason"`
	Persona Persona `json:"persona"`
}

// DecisionResponse is a single access decision. It is built fresh for every
// evaluation and treated as immutable once returned.
type DecisionResponse struct {
	Decision       Decision         `json:"decision"`
	MessagePT      string           `json:"message_pt"`
	MessageEN      string           `json:"message_en"`
	AllowedMinutes int              `json:"allowed_minutes"`
	QuestionPT     *string          `json:"question_pt"`
	QuestionEN     *string          `json:"question_en"`
	Questions      []Question       `json:"questions,omitempty"`
	Metadata       DecisionMetadata `json:"metadata"`
}

// Validate checks the shape of a decision, typically one received from a
// remote agent.
func (r *DecisionResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty response", ErrInvalidDecision)
	}
	if !r.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidDecision, r.Decision)
	}
	if strings.TrimSpace(r.MessagePT) == "" || strings.TrimSpace(r.MessageEN) == "" {
		return fmt.Errorf("%w: messages must be non-empty", ErrInvalidDecision)
	}
	if r.AllowedMinutes < 0 {
		return fmt.Errorf("%w: allowed_minutes must be >= 0", ErrInvalidDecision)
	}
	if r.Decision != DecisionAllow && r.AllowedMinutes != 0 {
		return fmt.Errorf("%w: allowed_minutes must be 0 for %s", ErrInvalidDecision, r.Decision)
	}
	if !r.Metadata.Persona.Valid() {
		return fmt.Errorf("%w: unknown persona %q", ErrInvalidDecision, r.Metadata.Persona)
	}
	for i, q := range r.Questions {
		if strings.TrimSpace(q.ID) == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidDecision, i)
		}
	}
	return nil
}

// Message returns the message text for the given locale.
func (r *DecisionResponse) Message(locale Locale) string {
	if locale == LocaleEN {
		return r.MessageEN
	}
	return r.MessagePT
}

// HasQuestion reports whether the decision carries a follow-up question.
func (r *DecisionResponse) HasQuestion() bool {
	return r.QuestionPT != nil || r.QuestionEN != nil
}

// ShouldGrant reports whether a decision must trigger the gateway grant call.
func ShouldGrant(r *DecisionResponse, grantToken string) bool {
	return r != nil && r.Decision == DecisionAllow && strings.TrimSpace(grantToken) != ""
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
