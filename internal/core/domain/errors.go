package domain

import "errors"

var (
	// ErrRelayUnavailable means an append or query did not reach the durable store.
	ErrRelayUnavailable = errors.New("signal relay unavailable")
	// ErrMalformedSignal means a payload does not decode as its kind requires.
	ErrMalformedSignal = errors.New("malformed signal")
	// ErrStaleSignal marks records addressed to a superseded or torn-down attempt.
	ErrStaleSignal = errors.New("stale signal")
	// ErrCandidateRejected means the peer connection refused a remote candidate.
	ErrCandidateRejected = errors.New("candidate rejected")
	// ErrNegotiationFailed means the peer connection reported terminal failure.
	ErrNegotiationFailed = errors.New("negotiation failed")

	ErrAttemptClosed = errors.New("connection attempt closed")
	ErrAgentStopped  = errors.New("agent stopped")
	ErrRelayClosed   = errors.New("signal relay closed")
	ErrSessionLocked = errors.New("session held by another broadcaster")
	ErrNoMediaTracks = errors.New("media source has no tracks")
)
