package domain

// NegotiationState is the lifecycle of one connection attempt.
type NegotiationState string

const (
	StateIdle             NegotiationState = "idle"
	StateHaveLocalOffer   NegotiationState = "have-local-offer"
	StateHaveRemoteOffer  NegotiationState = "have-remote-offer"
	StateHaveLocalAnswer  NegotiationState = "have-local-answer"
	StateHaveRemoteAnswer NegotiationState = "have-remote-answer"
	StateConnected        NegotiationState = "connected"
	StateFailed           NegotiationState = "failed"
	StateClosed           NegotiationState = "closed"
)

// AllNegotiationStates lists every state, in lifecycle order.
var AllNegotiationStates = []NegotiationState{
	StateIdle,
	StateHaveLocalOffer,
	StateHaveRemoteOffer,
	StateHaveLocalAnswer,
	StateHaveRemoteAnswer,
	StateConnected,
	StateFailed,
	StateClosed,
}

// Terminal states end an attempt but never the session.
func (s NegotiationState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s NegotiationState) Negotiating() bool {
	switch s {
	case StateHaveLocalOffer, StateHaveRemoteOffer, StateHaveLocalAnswer, StateHaveRemoteAnswer:
		return true
	}
	return false
}

var transitions = map[NegotiationState][]NegotiationState{
	StateIdle:             {StateHaveLocalOffer, StateHaveRemoteOffer},
	StateHaveLocalOffer:   {StateHaveRemoteAnswer},
	StateHaveRemoteOffer:  {StateHaveLocalAnswer},
	StateHaveLocalAnswer:  {StateConnected},
	StateHaveRemoteAnswer: {StateConnected},
}

// CanTransition reports whether an attempt may move from s to next. Any
// live state may fail or close; terminal states never change.
func (s NegotiationState) CanTransition(next NegotiationState) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
