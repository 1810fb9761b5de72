package domain

import (
	"time"
)

// SessionSnapshot stores the persisted state of a device session.
type SessionSnapshot struct {
	DeviceID      string
	State         AppState
	Simulation    bool
	AttemptCount  int
	ChallengeJSON *string
	MessagesJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DecisionRecord is an audit entry for one decision.
type DecisionRecord struct {
	ID             int64     `json:"id"`
	DeviceID       string    `json:"device_id"`
	Decision       Decision  `json:"decision"`
	Reason         string    `json:"reason"`
	Persona        Persona   `json:"persona"`
	AllowedMinutes int       `json:"allowed_minutes"`
	Simulated      bool      `json:"simulated"`
	CreatedAt      time.Time `json:"created_at"`
}

// GrantRecord is an audit entry for a gateway grant.
type GrantRecord struct {
	DeviceID  string    `json:"device_id"`
	Token     string    `json:"-"`
	Minutes   int       `json:"minutes"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
