package domain

// AppState is a state of the chat/access flow.
type AppState string

const (
	StateIdle       AppState = "IDLE"
	StateRequesting AppState = "REQUESTING"
	StateAskMore    AppState = "ASK_MORE"
	StateContinue   AppState = "CONTINUE"
	StateAllow      AppState = "ALLOW"
	StateDeny       AppState = "DENY"
)

// StateForDecision maps a decision onto the state it settles the flow in.
func StateForDecision(d Decision) AppState {
	switch d {
	case DecisionAllow:
		return StateAllow
	case DecisionDeny:
		return StateDeny
	default:
		return StateAskMore
	}
}
