package domain

// SessionID is the opaque pairing key supplied by the surrounding application.
// It stays stable across reconnects.
type SessionID string
