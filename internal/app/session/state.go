// Package session drives one endpoint through authentication, signaling,
// negotiation and recovery.
package session

type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateAwaitingOffer
	StateCreatingOffer
	StateNegotiating
	StateEstablished
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateAuthenticating: "authenticating",
	StateAwaitingOffer:  "awaiting_offer",
	StateCreatingOffer:  "creating_offer",
	StateNegotiating:    "negotiating",
	StateEstablished:    "established",
	StateFailed:         "failed",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
