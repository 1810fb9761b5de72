// Package chatstate implements the finite state machine of the access chat.
package chatstate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/study-gate/internal/domain"
)

// ErrIllegalTransition is returned when a transition is not in the table.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions is the legality table:
//
//	IDLE       → REQUESTING
//	REQUESTING → ASK_MORE | CONTINUE | ALLOW | DENY
//	ASK_MORE   → REQUESTING
//	CONTINUE   → REQUESTING
//	ALLOW      → IDLE | CONTINUE
//	DENY       → IDLE
var transitions = map[domain.AppState][]domain.AppState{
	domain.StateIdle:       {domain.StateRequesting},
	domain.StateRequesting: {domain.StateAskMore, domain.StateContinue, domain.StateAllow, domain.StateDeny},
	domain.StateAskMore:    {domain.StateRequesting},
	domain.StateContinue:   {domain.StateRequesting},
	domain.StateAllow:      {domain.StateIdle, domain.StateContinue},
	domain.StateDeny:       {domain.StateIdle},
}

// IsLegal reports whether from → to is in the transition table.
func IsLegal(from, to domain.AppState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Listener is notified after every state change with the new and previous state.
type Listener func(to, from domain.AppState)

// RejectFunc is notified when a transition is refused.
type RejectFunc func(from, to domain.AppState)

// Machine tracks the current state and its history.
//
// Machine is not safe for concurrent use; callers own one instance per
// session and serialize access to it.
type Machine struct {
	state     domain.AppState
	history   []domain.AppState
	listeners map[int]Listener
	order     []int
	nextID    int
	onReject  RejectFunc
	logger    *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for rejected transitions and listener failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRejectHook registers fn to be called for every refused transition.
func WithRejectHook(fn RejectFunc) Option {
	return func(m *Machine) {
		m.onReject = fn
	}
}

// New creates a machine in the IDLE state.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:     domain.StateIdle,
		history:   []domain.AppState{domain.StateIdle},
		listeners: make(map[int]Listener),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() domain.AppState {
	return m.state
}

// History returns a copy of every state the machine has been in.
func (m *Machine) History() []domain.AppState {
	out := make([]domain.AppState, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether the machine may move to to.
func (m *Machine) CanTransition(to domain.AppState) bool {
	return IsLegal(m.state, to)
}

// Transition moves to to if the table allows it. An illegal transition
// leaves the state unchanged and returns ErrIllegalTransition.
func (m *Machine) Transition(to domain.AppState) error {
	if !IsLegal(m.state, to) {
		m.logger.Warn("Rejected state transition", "from", m.state, "to", to)
		if m.onReject != nil {
			m.onReject(m.state, to)
		}
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
	}
	m.apply(to)
	return nil
}

// ForceTransition moves to to without consulting the table. It is reserved
// for error recovery.
func (m *Machine) ForceTransition(to domain.AppState) {
	m.logger.Debug("Forced state transition", "from", m.state, "to", to)
	m.apply(to)
}

// Reset returns to IDLE. The reset is recorded in history like any other
// transition.
func (m *Machine) Reset() {
	m.apply(domain.StateIdle)
}

// Subscribe registers l and returns a function that removes it.
func (m *Machine) Subscribe(l Listener) (unsubscribe func()) {
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.order = append(m.order, id)

	return func() {
		if _, ok := m.listeners[id]; !ok {
			return
		}
		delete(m.listeners, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

func (m *Machine) apply(to domain.AppState) {
	from := m.state
	m.state = to
	m.history = append(m.history, to)

	ids := make([]int, len(m.order))
	copy(ids, m.order)
	for _, id := range ids {
		if l, ok := m.listeners[id]; ok {
			m.notify(l, to, from)
		}
	}
}

func (m *Machine) notify(l Listener, to, from domain.AppState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("State listener failed", "from", from, "to", to, "panic", r)
		}
	}()
	l(to, from)
}
