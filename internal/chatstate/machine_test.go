package chatstate

import (
	"testing"

	"github.com/ashureev/study-gate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []domain.AppState{
	domain.StateIdle,
	domain.StateRequesting,
	domain.StateAskMore,
	domain.StateContinue,
	domain.StateAllow,
	domain.StateDeny,
}

type call struct {
	to, from domain.AppState
}

func TestNew_StartsIdle(t *testing.T) {
	m := New()
	assert.Equal(t, domain.StateIdle, m.State())
	assert.Equal(t, []domain.AppState{domain.StateIdle}, m.History())
}

func TestTransition_EveryPair(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			m := New()
			m.ForceTransition(from)
			before := len(m.History())

			var calls []call
			m.Subscribe(func(to, from domain.AppState) { calls = append(calls, call{to, from}) })

			err := m.Transition(to)
			if IsLegal(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, m.State())
				assert.Len(t, m.History(), before+1)
				assert.Equal(t, []call{{to, from}}, calls)
			} else {
				require.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", from, to)
				assert.Equal(t, from, m.State())
				assert.Len(t, m.History(), before)
				assert.Empty(t, calls)
			}
		}
	}
}

func TestTransition_Table(t *testing.T) {
	legal := map[domain.AppState][]domain.AppState{
		domain.StateIdle:       {domain.StateRequesting},
		domain.StateRequesting: {domain.StateAskMore, domain.StateContinue, domain.StateAllow, domain.StateDeny},
		domain.StateAskMore:    {domain.StateRequesting},
		domain.StateContinue:   {domain.StateRequesting},
		domain.StateAllow:      {domain.StateIdle, domain.StateContinue},
		domain.StateDeny:       {domain.StateIdle},
	}
	for from, targets := range legal {
		for _, to := range targets {
			assert.True(t, IsLegal(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, IsLegal(domain.StateAllow, domain.StateRequesting))
	assert.False(t, IsLegal(domain.StateDeny, domain.StateRequesting))
	assert.False(t, IsLegal(domain.StateIdle, domain.StateAllow))
}

func TestRejectHook(t *testing.T) {
	var rejected []call
	m := New(WithRejectHook(func(from, to domain.AppState) { rejected = append(rejected, call{to, from}) }))

	require.Error(t, m.Transition(domain.StateAllow))
	assert.Equal(t, []call{{domain.StateAllow, domain.StateIdle}}, rejected)
}

func TestReset_IsRecorded(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(domain.StateRequesting))
	require.NoError(t, m.Transition(domain.StateDeny))

	var calls []call
	m.Subscribe(func(to, from domain.AppState) { calls = append(calls, call{to, from}) })
	m.Reset()

	assert.Equal(t, domain.StateIdle, m.State())
	assert.Equal(t, []domain.AppState{
		domain.StateIdle, domain.StateRequesting, domain.StateDeny, domain.StateIdle,
	}, m.History())
	assert.Equal(t, []call{{domain.StateIdle, domain.StateDeny}}, calls)
}

func TestForceTransition_NotifiesListeners(t *testing.T) {
	m := New()
	var calls []call
	m.Subscribe(func(to, from domain.AppState) { calls = append(calls, call{to, from}) })

	m.ForceTransition(domain.StateAllow)

	assert.Equal(t, domain.StateAllow, m.State())
	assert.Equal(t, []call{{domain.StateAllow, domain.StateIdle}}, calls)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	m := New()
	count := 0
	unsubscribe := m.Subscribe(func(domain.AppState, domain.AppState) { count++ })

	require.NoError(t, m.Transition(domain.StateRequesting))
	unsubscribe()
	unsubscribe()
	require.NoError(t, m.Transition(domain.StateAskMore))

	assert.Equal(t, 1, count)
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	m := New()
	var got []string
	m.Subscribe(func(domain.AppState, domain.AppState) { got = append(got, "first") })
	m.Subscribe(func(domain.AppState, domain.AppState) { panic("boom") })
	m.Subscribe(func(domain.AppState, domain.AppState) { got = append(got, "third") })

	require.NoError(t, m.Transition(domain.StateRequesting))

	assert.Equal(t, []string{"first", "third"}, got)
	assert.Equal(t, domain.StateRequesting, m.State())
}

func TestUnsubscribeDuringNotification(t *testing.T) {
	m := New()
	calls := 0
	var unsubscribeSecond func()
	m.Subscribe(func(domain.AppState, domain.AppState) { unsubscribeSecond() })
	unsubscribeSecond = m.Subscribe(func(domain.AppState, domain.AppState) { calls++ })

	require.NoError(t, m.Transition(domain.StateRequesting))
	require.NoError(t, m.Transition(domain.StateAskMore))

	assert.Equal(t, 0, calls)
}

func TestHistory_ReturnsCopy(t *testing.T) {
	m := New()
	h := m.History()
	h[0] = domain.StateDeny
	assert.Equal(t, domain.StateIdle, m.History()[0])
}
