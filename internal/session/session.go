// Package session orchestrates one device's access conversation: state
// machine, message log, challenge tracker, remote agent and local policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/study-gate/internal/agent"
	"github.com/ashureev/study-gate/internal/challenge"
	"github.com/ashureev/study-gate/internal/chatstate"
	"github.com/ashureev/study-gate/internal/domain"
	"github.com/ashureev/study-gate/internal/gateway"
	"github.com/ashureev/study-gate/internal/messagelog"
	"github.com/ashureev/study-gate/internal/metrics"
	"github.com/ashureev/study-gate/internal/policy"
	"github.com/ashureev/study-gate/internal/store"
	"github.com/ashureev/study-gate/internal/transcript"
	"github.com/google/uuid"
)

var (
	// ErrNoActiveChallenge is returned for challenge operations without a challenge.
	ErrNoActiveChallenge = errors.New("no active challenge")
	// ErrUnknownQuestion is returned when an answer targets a question outside the challenge.
	ErrUnknownQuestion = errors.New("question is not part of the challenge")
	// ErrNoRetriesLeft is returned when a manual retry is requested with no attempts left.
	ErrNoRetriesLeft = errors.New("no attempts left")
)

// Decision sources used as metric labels and in outcomes.
const (
	SourceAgent  = "agent"
	SourcePolicy = "policy"
)

// Settings are the per-deployment inputs of every session.
type Settings struct {
	Timezone     string
	Location     *time.Location
	BlockWindows []domain.TimeWindow
	StudyWindows []domain.TimeWindow
	MaxAttempts  int
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Agent      *agent.Service
	Policy     *policy.Policy
	Granter    gateway.Granter
	Store      store.Repository
	Metrics    metrics.Recorder
	Transcript transcript.Logger
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Policy == nil {
		d.Policy = policy.New(policy.DefaultConfig())
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Transcript == nil {
		d.Transcript = transcript.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Outcome is the result of an operation that produced a decision.
type Outcome struct {
	Decision  *domain.DecisionResponse  `json:"decision"`
	State     domain.AppState           `json:"state"`
	Source    string                    `json:"source"`
	Simulated bool                      `json:"simulated"`
	Challenge *domain.Challenge         `json:"challenge,omitempty"`
	Progress  *domain.ChallengeProgress `json:"progress,omitempty"`
	Grant     *domain.GrantRecord       `json:"grant,omitempty"`
}

// View is a read-only copy of a session.
type View struct {
	DeviceID          string                    `json:"device_id"`
	Locale            domain.Locale             `json:"locale"`
	State             domain.AppState           `json:"state"`
	History           []domain.AppState         `json:"history"`
	Simulation        bool                      `json:"simulation"`
	Messages          []domain.ChatMessage      `json:"messages"`
	Challenge         *domain.Challenge         `json:"challenge,omitempty"`
	Progress          *domain.ChallengeProgress `json:"progress,omitempty"`
	ProgressPercent   int                       `json:"progress_percent"`
	RemainingAttempts int                       `json:"remaining_attempts"`
	Stats             challenge.Stats           `json:"stats"`
	LastActive        time.Time                 `json:"last_active"`
}

// Session is the conversation of a single device. All methods are safe for
// concurrent use; they are serialized by an internal mutex.
type Session struct {
	mu sync.Mutex
	// inflight rejects overlapping access requests from the same device.
	inflight sync.Mutex

	deviceID   string
	locale     domain.Locale
	settings   Settings
	deps       Deps
	machine    *chatstate.Machine
	messages   *messagelog.Log
	tracker    *challenge.Tracker
	simulation bool
	createdAt  time.Time
	lastActive time.Time

	listeners map[int]Listener
	nextID    int
}

// New creates an idle session for deviceID.
func New(deviceID string, locale domain.Locale, settings Settings, deps Deps) *Session {
	deps = deps.withDefaults()
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}

	s := &Session{
		deviceID:  deviceID,
		locale:    locale,
		settings:  settings,
		deps:      deps,
		messages:  messagelog.New(deps.Now),
		tracker:   challenge.NewTracker(deps.Now),
		createdAt: deps.Now(),
		listeners: make(map[int]Listener),
	}
	s.lastActive = s.createdAt
	s.machine = chatstate.New(
		chatstate.WithLogger(deps.Logger.With("device_id", deviceID)),
		chatstate.WithRejectHook(func(from, to domain.AppState) {
			deps.Metrics.IncTransition(string(from), string(to), false)
		}),
	)
	s.machine.Subscribe(func(to, from domain.AppState) {
		deps.Metrics.IncTransition(string(from), string(to), true)
		s.emit(Event{Type: EventState, DeviceID: deviceID, State: to, Previous: from})
	})
	s.messages.Subscribe(func(msg domain.ChatMessage) {
		s.emit(Event{Type: EventMessage, DeviceID: deviceID, Message: &msg})
	})
	return s
}

// DeviceID returns the device owning the session.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// LastActive returns the time of the last operation.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Simulated reports whether the session runs on the local policy.
func (s *Session) Simulated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulation
}

// TryBeginRequest marks an access request as in flight. ok is false when one
// already is; otherwise done must be called once the request finishes.
func (s *Session) TryBeginRequest() (done func(), ok bool) {
	if !s.inflight.TryLock() {
		return nil, false
	}
	return s.inflight.Unlock, true
}

// RequestAccess asks for a decision, optionally answering the pending
// question. A grant is issued when the decision allows access and
// grantToken is set.
func (s *Session) RequestAccess(ctx context.Context, answer *string, grantToken string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.machine.Transition(domain.StateRequesting); err != nil {
		return nil, err
	}

	if answer != nil && strings.TrimSpace(*answer) != "" {
		s.messages.Add(domain.SenderUser, domain.MessageContent{PT: *answer, EN: *answer}, nil)
		s.record("inbound", "user_message", *answer, nil)
	}

	resp, source, err := s.decide(ctx, answer)
	if err != nil {
		// The policy only fails on malformed windows, which config rejects
		// at startup. Return to IDLE so the device can ask again.
		s.machine.ForceTransition(domain.StateIdle)
		return nil, err
	}

	return s.apply(ctx, resp, source, grantToken)
}

// decide asks the agent unless the session runs in simulation mode, and
// falls back to the local policy on any agent failure.
func (s *Session) decide(ctx context.Context, answer *string) (*domain.DecisionResponse, string, error) {
	now := s.deps.Now()

	if !s.simulation {
		if !s.deps.Agent.Enabled() {
			s.simulation = true
		} else {
			start := time.Now()
			resp, err := s.deps.Agent.RequestDecision(ctx, agent.DecisionRequest{
				DeviceID: s.deviceID,
				Locale:   s.locale,
				Answer:   answer,
				State:    s.machine.State(),
				Now:      now.In(s.settings.Location),
				Timezone: s.settings.Timezone,
				History:  s.messages.Messages(),
			})
			if err == nil {
				s.deps.Metrics.ObserveAgentCall("ok", time.Since(start))
				if len(resp.Questions) > 0 {
					resp.Questions = s.resolveQuestions(resp.Questions)
				}
				return resp, SourceAgent, nil
			}

			cause := agent.Cause(err)
			s.deps.Metrics.ObserveAgentCall(cause, time.Since(start))
			s.deps.Metrics.IncFallback(cause)
			s.simulation = true
			s.deps.Logger.Warn("Agent unavailable, switching to local policy",
				"device_id", s.deviceID, "cause", cause, "error", err)
			s.record("internal", "fallback", "", map[string]any{"cause": cause})
		}
	}

	resp, err := s.deps.Policy.Decide(s.policyContext(now), answer)
	if err != nil {
		return nil, "", fmt.Errorf("local policy: %w", err)
	}
	return resp, SourcePolicy, nil
}

func (s *Session) policyContext(now time.Time) policy.Context {
	return policy.Context{
		Now:          now.In(s.settings.Location),
		Timezone:     s.settings.Timezone,
		BlockWindows: s.settings.BlockWindows,
		StudyWindows: s.settings.StudyWindows,
	}
}

// quizLocked reports whether a quiz failed with every attempt used on the
// current local day. No new quiz starts until the next day.
func (s *Session) quizLocked(now time.Time) bool {
	if !s.tracker.Exhausted() {
		return false
	}
	current, _ := s.tracker.Current()
	y1, m1, d1 := current.StartTime.In(s.settings.Location).Date()
	y2, m2, d2 := now.In(s.settings.Location).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// resolveQuestions maps agent-issued question ids onto the configured
// question bank, which holds the accepted answers. Unknown ids are dropped.
func (s *Session) resolveQuestions(qs []domain.Question) []domain.Question {
	bank := s.deps.Policy.Config().QuestionBank
	out := make([]domain.Question, 0, len(qs))
	for _, q := range qs {
		for _, b := range bank {
			if b.ID == q.ID {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// apply settles a decision: state transition, messages, challenge, grant,
// audit record and snapshot. The machine must be in REQUESTING.
func (s *Session) apply(ctx context.Context, resp *domain.DecisionResponse, source, grantToken string) (*Outcome, error) {
	if len(resp.Questions) > 0 && s.quizLocked(s.deps.Now()) {
		s.record("internal", "quiz_locked", "", nil)
		resp = s.deps.Policy.AttemptsExhausted()
	}
	if err := s.machine.Transition(domain.StateForDecision(resp.Decision)); err != nil {
		return nil, err
	}
	s.addAgentMessages(resp)

	switch {
	case len(resp.Questions) > 0:
		md := domain.ChallengeMetadata{
			Subject:       resp.Questions[0].Subject,
			Difficulty:    resp.Questions[0].Difficulty,
			EstimatedTime: time.Duration(len(resp.Questions)) * time.Minute,
		}
		if err := s.tracker.Create(uuid.NewString(), resp.Questions, s.settings.MaxAttempts, md); err != nil {
			return nil, fmt.Errorf("create challenge: %w", err)
		}
	case resp.Decision == domain.DecisionAllow:
		s.tracker.Clear()
	}

	out := &Outcome{
		Decision:  resp,
		State:     s.machine.State(),
		Source:    source,
		Simulated: source == SourcePolicy,
	}
	out.Challenge, out.Progress = s.tracker.Current()

	if domain.ShouldGrant(resp, grantToken) && s.deps.Granter != nil {
		grant, err := s.deps.Granter.Grant(ctx, s.deviceID, grantToken, resp.AllowedMinutes)
		if err != nil {
			s.deps.Logger.Error("Gateway grant failed", "device_id", s.deviceID, "error", err)
		} else {
			s.deps.Metrics.IncGrant()
			out.Grant = grant
		}
	}

	s.deps.Metrics.ObserveDecision(string(resp.Decision), resp.Metadata.Reason, source)
	s.record("outbound", "decision", resp.Message(s.locale), map[string]any{
		"decision":        resp.Decision,
		"reason":          resp.Metadata.Reason,
		"allowed_minutes": resp.AllowedMinutes,
		"source":          source,
	})
	if s.deps.Store != nil {
		_, err := s.deps.Store.RecordDecision(ctx, domain.DecisionRecord{
			DeviceID:       s.deviceID,
			Decision:       resp.Decision,
			Reason:         resp.Metadata.Reason,
			Persona:        resp.Metadata.Persona,
			AllowedMinutes: resp.AllowedMinutes,
			Simulated:      out.Simulated,
			CreatedAt:      s.deps.Now(),
		})
		if err != nil {
			s.deps.Logger.Warn("Failed to record decision", "device_id", s.deviceID, "error", err)
		}
	}
	s.persist(ctx)

	s.deps.Logger.Info("Access decision",
		"device_id", s.deviceID,
		"decision", resp.Decision,
		"reason", resp.Metadata.Reason,
		"source", source,
		"state", out.State,
	)
	return out, nil
}

func (s *Session) addAgentMessages(resp *domain.DecisionResponse) {
	md := &domain.MessageMetadata{Persona: resp.Metadata.Persona, Reason: resp.Metadata.Reason}
	s.messages.Add(domain.SenderAgent, domain.MessageContent{PT: resp.MessagePT, EN: resp.MessageEN}, md)
	if resp.HasQuestion() {
		var content domain.MessageContent
		if resp.QuestionPT != nil {
			content.PT = *resp.QuestionPT
		}
		if resp.QuestionEN != nil {
			content.EN = *resp.QuestionEN
		}
		s.messages.Add(domain.SenderAgent, content, md)
	}
}

// Continue moves an allowed session on to CONTINUE.
func (s *Session) Continue(ctx context.Context) (domain.AppState, error) {
	return s.move(ctx, domain.StateContinue)
}

// Dismiss closes a settled decision and returns to IDLE.
func (s *Session) Dismiss(ctx context.Context) (domain.AppState, error) {
	return s.move(ctx, domain.StateIdle)
}

func (s *Session) move(ctx context.Context, to domain.AppState) (domain.AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if err := s.machine.Transition(to); err != nil {
		return s.machine.State(), err
	}
	s.persist(ctx)
	return s.machine.State(), nil
}

// Reset returns the session to IDLE and clears messages and challenge.
// Simulation mode and an exhausted challenge are kept.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	s.machine.Reset()
	s.messages.Clear()
	// An exhausted challenge survives so a reset cannot restore attempts.
	if !s.tracker.Exhausted() {
		s.tracker.Clear()
	}
	s.record("internal", "reset", "", nil)
	s.persist(ctx)
}

// EnableRemote leaves simulation mode so the next request tries the agent again.
func (s *Session) EnableRemote(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	s.simulation = false
	s.persist(ctx)
	return s.deps.Agent.Enabled()
}

// AnswerChallenge records an answer to one question of the current challenge.
func (s *Session) AnswerChallenge(ctx context.Context, questionID, answer string) (*domain.ChallengeProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if !s.tracker.IsActive() {
		return nil, ErrNoActiveChallenge
	}
	if !s.tracker.AnswerQuestion(questionID, answer) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	s.persist(ctx)
	_, progress := s.tracker.Current()
	return progress, nil
}

// SubmitChallenge grades the current answers and settles a new decision.
// A partial score with attempts left starts the next attempt automatically.
func (s *Session) SubmitChallenge(ctx context.Context, grantToken string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if !s.tracker.IsActive() {
		return nil, ErrNoActiveChallenge
	}
	if !s.machine.CanTransition(domain.StateRequesting) {
		return nil, fmt.Errorf("%w: cannot grade from %s", chatstate.ErrIllegalTransition, s.machine.State())
	}

	// Block windows win over grading. The answers stay in place for a
	// submit after the window ends.
	blocked, err := s.deps.Policy.Blocked(s.policyContext(s.deps.Now()))
	if err != nil {
		return nil, fmt.Errorf("local policy: %w", err)
	}
	if blocked != nil {
		if err := s.machine.Transition(domain.StateRequesting); err != nil {
			return nil, err
		}
		s.record("internal", "challenge_blocked", "", nil)
		return s.apply(ctx, blocked, SourcePolicy, grantToken)
	}

	answers, _ := s.tracker.SubmitAnswers()
	current, _ := s.tracker.Current()
	resp, result := s.deps.Policy.Grade(current.Questions, answers, s.tracker.CanRetry())

	if resp.Decision == domain.DecisionAskMore {
		s.tracker.CompleteChallenge(result)
		resp.Questions = nil
	} else {
		s.tracker.RecordResult(result)
	}
	s.deps.Metrics.ObserveChallenge(result.Success, result.Score)
	s.record("internal", "challenge_graded", "", map[string]any{
		"score":   result.Score,
		"success": result.Success,
		"attempt": current.CurrentAttempt,
	})

	if err := s.machine.Transition(domain.StateRequesting); err != nil {
		return nil, err
	}
	return s.apply(ctx, resp, SourcePolicy, grantToken)
}

// RetryChallenge starts a new attempt of the current challenge on request.
func (s *Session) RetryChallenge(ctx context.Context) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	current, _ := s.tracker.Current()
	if current == nil {
		return nil, ErrNoActiveChallenge
	}
	if !s.tracker.CanRetry() {
		return nil, ErrNoRetriesLeft
	}

	// Walk the legal path back to ASK_MORE.
	for _, step := range pathToAskMore(s.machine.State()) {
		if err := s.machine.Transition(step); err != nil {
			return nil, err
		}
	}
	s.tracker.Retry()

	current, progress := s.tracker.Current()
	q := current.Questions[0]
	s.messages.Add(domain.SenderAgent,
		domain.MessageContent{PT: q.PromptPT, EN: q.PromptEN},
		&domain.MessageMetadata{Persona: domain.PersonaTutor, Reason: domain.ReasonVerificationQuiz},
	)
	s.persist(ctx)

	return &Outcome{
		State:     s.machine.State(),
		Source:    SourcePolicy,
		Simulated: s.simulation,
		Challenge: current,
		Progress:  progress,
	}, nil
}

func pathToAskMore(from domain.AppState) []domain.AppState {
	switch from {
	case domain.StateAskMore:
		return nil
	case domain.StateIdle, domain.StateContinue:
		return []domain.AppState{domain.StateRequesting, domain.StateAskMore}
	case domain.StateRequesting:
		return []domain.AppState{domain.StateAskMore}
	default:
		return []domain.AppState{domain.StateIdle, domain.StateRequesting, domain.StateAskMore}
	}
}

// View returns a copy of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, progress := s.tracker.Current()
	return View{
		DeviceID:          s.deviceID,
		Locale:            s.locale,
		State:             s.machine.State(),
		History:           s.machine.History(),
		Simulation:        s.simulation,
		Messages:          s.messages.Messages(),
		Challenge:         ch,
		Progress:          progress,
		ProgressPercent:   s.tracker.ProgressPercentage(),
		RemainingAttempts: s.tracker.RemainingAttempts(),
		Stats:             s.tracker.Stats(),
		LastActive:        s.lastActive,
	}
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Messages()
}

// Message returns one message by id.
func (s *Session) Message(id string) (domain.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Get(id)
}

func (s *Session) touch() {
	s.lastActive = s.deps.Now()
}

func (s *Session) record(direction, eventType, content string, meta map[string]any) {
	s.deps.Transcript.Log(transcript.Event{
		Timestamp:  s.deps.Now().UTC().Format(time.RFC3339Nano),
		DeviceID:   s.deviceID,
		Channel:    "access",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
