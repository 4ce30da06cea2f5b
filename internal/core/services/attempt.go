package services

import (
	"fmt"
	"sync/atomic"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var attemptSeq atomic.Uint64

// connectionAttempt is one negotiation lifecycle bound to one peer
// connection. It is only touched from its session's actor.
type connectionAttempt struct {
	id        uint64
	role      domain.SenderRole
	sessionID domain.SessionID
	pc        ports.PeerConnection
	state     domain.NegotiationState

	// anchor is the created_at of the offer this attempt negotiates.
	// Remote records older than it belong to an earlier attempt.
	anchor   time.Time
	offerID  domain.RecordID
	offerSDP string

	remoteSet bool
	pending   []*domain.SignalRecord
	seen      map[domain.RecordID]struct{}

	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger
}

func newConnectionAttempt(role domain.SenderRole, sessionID domain.SessionID, pc ports.PeerConnection, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) *connectionAttempt {
	id := attemptSeq.Add(1)
	metrics.RecordAttemptStarted(role)
	metrics.RecordAttemptState(role, domain.StateIdle)
	return &connectionAttempt{
		id:        id,
		role:      role,
		sessionID: sessionID,
		pc:        pc,
		state:     domain.StateIdle,
		seen:      make(map[domain.RecordID]struct{}),
		metrics:   metrics,
		logger:    logger.With("session_id", sessionID, "attempt", id),
	}
}

func (a *connectionAttempt) closed() bool {
	return a.state.Terminal()
}

func (a *connectionAttempt) transition(next domain.NegotiationState) bool {
	if !a.state.CanTransition(next) {
		return false
	}
	a.logger.Debugw("attempt state changed", "from", a.state, "state", next)
	a.state = next
	a.metrics.RecordAttemptState(a.role, next)
	return true
}

func (a *connectionAttempt) setLocalDescription(desc webrtc.SessionDescription) error {
	if a.closed() {
		return domain.ErrAttemptClosed
	}

	var next domain.NegotiationState
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		next = domain.StateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		next = domain.StateHaveLocalAnswer
	default:
		return fmt.Errorf("%w: unexpected local %s", domain.ErrMalformedSignal, desc.Type)
	}
	if !a.state.CanTransition(next) {
		return fmt.Errorf("cannot set local %s in state %s", desc.Type, a.state)
	}

	if err := a.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	a.transition(next)
	return nil
}

// setRemoteDescription applies desc and then flushes buffered candidates in
// arrival order. The returned slice holds per-candidate failures, none of
// which affect the others.
func (a *connectionAttempt) setRemoteDescription(desc webrtc.SessionDescription) ([]error, error) {
	if a.closed() {
		return nil, domain.ErrAttemptClosed
	}

	var next domain.NegotiationState
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		next = domain.StateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		next = domain.StateHaveRemoteAnswer
	default:
		return nil, fmt.Errorf("%w: unexpected remote %s", domain.ErrMalformedSignal, desc.Type)
	}
	if !a.state.CanTransition(next) {
		return nil, fmt.Errorf("%w: remote %s in state %s", domain.ErrStaleSignal, desc.Type, a.state)
	}

	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	a.transition(next)
	a.remoteSet = true

	pending := a.pending
	a.pending = nil

	var errs []error
	for _, rec := range pending {
		if err := a.applyCandidate(rec); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		a.logger.Debugw("flushed buffered candidates", "count", len(pending), "failed", len(errs))
	}
	return errs, nil
}

// addRemoteCandidate applies rec, or queues it until the remote description
// is set. Each record is taken at most once per attempt.
func (a *connectionAttempt) addRemoteCandidate(rec *domain.SignalRecord) (buffered bool, err error) {
	if a.closed() {
		return false, domain.ErrAttemptClosed
	}
	if rec.ID != "" {
		if _, dup := a.seen[rec.ID]; dup {
			return false, nil
		}
		a.seen[rec.ID] = struct{}{}
	}

	if !a.remoteSet {
		a.pending = append(a.pending, rec)
		a.metrics.RecordCandidate(a.role, "buffered")
		return true, nil
	}
	return false, a.applyCandidate(rec)
}

func (a *connectionAttempt) applyCandidate(rec *domain.SignalRecord) error {
	init, err := rec.Candidate()
	if err != nil {
		a.metrics.RecordCandidate(a.role, "malformed")
		return err
	}
	if err := a.pc.AddICECandidate(init); err != nil {
		a.metrics.RecordCandidate(a.role, "rejected")
		return fmt.Errorf("%w: %s: %w", domain.ErrCandidateRejected, rec.ID, err)
	}
	a.metrics.RecordCandidate(a.role, "applied")
	return nil
}

// onConnectionState maps a transport state change onto the attempt and
// reports whether the attempt state moved.
func (a *connectionAttempt) onConnectionState(s webrtc.PeerConnectionState) bool {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return a.transition(domain.StateConnected)
	case webrtc.PeerConnectionStateFailed:
		return a.transition(domain.StateFailed)
	case webrtc.PeerConnectionStateClosed:
		return a.transition(domain.StateClosed)
	}
	// disconnected may recover on its own
	return false
}

// close tears down the peer connection. It is safe to call more than once.
func (a *connectionAttempt) close() {
	if a.pc == nil {
		return
	}
	pc := a.pc
	a.pc = nil
	a.pending = nil
	if !a.state.Terminal() {
		a.transition(domain.StateClosed)
	}
	if err := pc.Close(); err != nil {
		a.logger.Warnw("failed to close peer connection", "error", err)
	}
}
