package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/study-gate/internal/domain"
)

// storedChallenge keeps accepted answers, which the public JSON form of a
// question omits.
type storedChallenge struct {
	Challenge *domain.Challenge         `json:"challenge,omitempty"`
	Progress  *domain.ChallengeProgress `json:"progress,omitempty"`
	Answers   map[string][]string       `json:"answers,omitempty"`
	History   []domain.ChallengeResult  `json:"history,omitempty"`
}

// Snapshot returns the persistable form of the session.
func (s *Session) Snapshot() (*domain.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() (*domain.SessionSnapshot, error) {
	msgs, err := json.Marshal(s.messages.Messages())
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}

	snap := &domain.SessionSnapshot{
		DeviceID:     s.deviceID,
		State:        s.machine.State(),
		Simulation:   s.simulation,
		MessagesJSON: string(msgs),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.deps.Now(),
	}

	ch, progress := s.tracker.Current()
	history := s.tracker.History()
	if ch != nil || len(history) > 0 {
		sc := storedChallenge{Challenge: ch, Progress: progress, History: history}
		if ch != nil {
			snap.AttemptCount = ch.CurrentAttempt
			sc.Answers = make(map[string][]string, len(ch.Questions))
			for _, q := range ch.Questions {
				sc.Answers[q.ID] = q.Answers
			}
		}
		raw, err := json.Marshal(sc)
		if err != nil {
			return nil, fmt.Errorf("encode challenge: %w", err)
		}
		js := string(raw)
		snap.ChallengeJSON = &js
	}
	return snap, nil
}

// persist saves the session when a store is configured. Must be called with s.mu held.
func (s *Session) persist(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	snap, err := s.snapshot()
	if err != nil {
		s.deps.Logger.Warn("Failed to build session snapshot", "device_id", s.deviceID, "error", err)
		return
	}
	if err := s.deps.Store.UpsertSnapshot(ctx, snap); err != nil {
		s.deps.Logger.Warn("Failed to persist session", "device_id", s.deviceID, "error", err)
	}
}

// Restore loads a saved snapshot into a fresh session.
func (s *Session) Restore(snap *domain.SessionSnapshot) error {
	if snap == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []domain.ChatMessage
	if snap.MessagesJSON != "" {
		if err := json.Unmarshal([]byte(snap.MessagesJSON), &msgs); err != nil {
			return fmt.Errorf("decode messages: %w", err)
		}
	}

	var sc storedChallenge
	if snap.ChallengeJSON != nil {
		if err := json.Unmarshal([]byte(*snap.ChallengeJSON), &sc); err != nil {
			return fmt.Errorf("decode challenge: %w", err)
		}
		if sc.Challenge != nil {
			for i := range sc.Challenge.Questions {
				q := &sc.Challenge.Questions[i]
				q.Answers = sc.Answers[q.ID]
			}
		}
	}

	s.messages.Restore(msgs)
	s.tracker.Restore(sc.Challenge, sc.Progress, sc.History)
	s.simulation = snap.Simulation
	if !snap.CreatedAt.IsZero() {
		s.createdAt = snap.CreatedAt
	}
	// A snapshot taken mid-request has no decision to settle it.
	switch snap.State {
	case "", domain.StateIdle, domain.StateRequesting:
	default:
		s.machine.ForceTransition(snap.State)
	}
	return nil
}
