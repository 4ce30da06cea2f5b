package domain

import "time"

// ConnectionStatus is what the surrounding application observes.
type ConnectionStatus struct {
	SessionID  SessionID        `json:"session_id,omitempty"`
	Role       SenderRole       `json:"role"`
	State      NegotiationState `json:"state"`
	Connected  bool             `json:"connected"`
	Connecting bool             `json:"connecting"`
	LastError  string           `json:"last_error,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
