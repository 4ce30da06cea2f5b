package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// recentCandidateLimit bounds the broadcaster candidates a viewer keeps for
// an offer it has not seen yet.
const recentCandidateLimit = 64

type viewerSession struct {
	*sessionRuntime

	// actor-owned
	recent   []*domain.SignalRecord
	attached bool
}

func (s *viewerSession) remember(rec *domain.SignalRecord) {
	for _, r := range s.recent {
		if r.ID != "" && r.ID == rec.ID {
			return
		}
	}
	if len(s.recent) == recentCandidateLimit {
		s.recent[0] = nil
		s.recent = s.recent[1:]
	}
	s.recent = append(s.recent, rec)
}

type ViewerAgent struct {
	*StatusTracker

	relay   ports.SignalRelay
	peers   ports.PeerConnectionFactory
	target  ports.RenderTarget
	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	sess *viewerSession
}

// NewViewerAgent builds an agent that answers offers and hands inbound
// tracks to target. target may be nil.
func NewViewerAgent(relay ports.SignalRelay, peers ports.PeerConnectionFactory, target ports.RenderTarget, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) *ViewerAgent {
	return &ViewerAgent{
		StatusTracker: newStatusTracker(domain.RoleViewer),
		relay:         relay,
		peers:         peers,
		target:        target,
		metrics:       metrics,
		logger:        logger.With("role", domain.RoleViewer),
	}
}

// Watch selects sessionID. Any offer already in the relay is answered, and
// so is every newer offer that follows. Selecting a different session first
// deselects the current one.
func (v *ViewerAgent) Watch(ctx context.Context, sessionID domain.SessionID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sess != nil {
		if v.sess.sessionID == sessionID {
			return nil
		}
		v.stopSession()
	}

	bg := context.WithoutCancel(ctx)
	sess := &viewerSession{
		sessionRuntime: newSessionRuntime(bg, v.relay, sessionID, domain.RoleViewer, v.logger),
	}

	fromBroadcaster := func(rec *domain.SignalRecord) bool {
		return rec.SenderType == domain.RoleBroadcaster
	}
	if err := sess.watch(bg, v.relay, fromBroadcaster, func(rec *domain.SignalRecord) {
		v.handleBroadcasterRecord(sess, rec)
	}); err != nil {
		sess.shutdown(nil)
		return fmt.Errorf("failed to watch session: %w", err)
	}

	// The feed only carries records appended after it opened.
	latest, err := v.relay.QueryLatest(ctx, sessionID, domain.RoleBroadcaster, domain.KindOffer)
	if err != nil {
		sess.shutdown(nil)
		return fmt.Errorf("failed to query latest offer: %w", err)
	}

	v.sess = sess
	v.Update(sessionID, domain.StateIdle, nil)
	v.logger.Infow("viewer session opened", "session_id", sessionID, "pending_offer", latest != nil)

	if latest == nil {
		return nil
	}
	sess.actor.Post(func() { v.handleBroadcasterRecord(sess, latest) })

	candidates, err := v.relay.Replay(ctx, sessionID, latest.CreatedAt.Add(-time.Nanosecond), func(rec *domain.SignalRecord) bool {
		return rec.SenderType == domain.RoleBroadcaster && rec.SignalType == domain.KindICECandidate
	})
	if err != nil {
		// The offer alone may still connect through peer reflexive candidates.
		v.logger.Warnw("failed to replay candidates", "session_id", sessionID, "error", err)
		return nil
	}
	for _, rec := range candidates {
		rec := rec
		sess.actor.Post(func() { v.handleBroadcasterRecord(sess, rec) })
	}
	return nil
}

// Stop deselects the current session. The attempt and the feed are gone
// when it returns.
func (v *ViewerAgent) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopSession()
	return nil
}

func (v *ViewerAgent) stopSession() {
	sess := v.sess
	if sess == nil {
		return
	}
	v.sess = nil

	sess.shutdown(func() {
		v.closeAttempt(sess)
		sess.recent = nil
	})
	v.Update(sess.sessionID, domain.StateClosed, nil)
	v.logger.Infow("viewer session closed", "session_id", sess.sessionID)
}

func (v *ViewerAgent) closeAttempt(sess *viewerSession) {
	if sess.attempt == nil {
		return
	}
	if sess.attached && v.target != nil {
		v.target.Detach()
	}
	sess.attached = false
	sess.attempt.close()
	sess.attempt = nil
}

func (v *ViewerAgent) handleBroadcasterRecord(sess *viewerSession, rec *domain.SignalRecord) {
	switch rec.SignalType {
	case domain.KindOffer:
		v.handleOffer(sess, rec)
	case domain.KindICECandidate:
		sess.remember(rec)
		att := sess.attempt
		if att == nil || att.closed() {
			return
		}
		if rec.Before(att.anchor) {
			v.metrics.RecordSignalDropped("stale")
			v.logger.Debugw("discarding stale candidate", "session_id", sess.sessionID, "record_id", rec.ID, "error", domain.ErrStaleSignal)
			return
		}
		v.applyCandidate(sess, att, rec)
	default:
		v.metrics.RecordSignalDropped("unexpected_kind")
	}
}

func (v *ViewerAgent) handleOffer(sess *viewerSession, rec *domain.SignalRecord) {
	if att := sess.attempt; att != nil {
		switch {
		case rec.ID != "" && rec.ID == att.offerID:
			v.metrics.RecordSignalDropped("duplicate_offer")
			return
		case rec.Before(att.anchor):
			v.metrics.RecordSignalDropped("stale")
			v.logger.Debugw("discarding superseded offer", "session_id", sess.sessionID, "record_id", rec.ID, "error", domain.ErrStaleSignal)
			return
		}
	}

	desc, err := rec.SessionDescription()
	if err != nil {
		v.metrics.RecordSignalDropped("malformed")
		v.logger.Warnw("dropping malformed offer", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
		return
	}
	if att := sess.attempt; att != nil && rec.CreatedAt.Equal(att.anchor) && desc.SDP == att.offerSDP {
		v.metrics.RecordSignalDropped("duplicate_offer")
		return
	}

	// The newest offer always wins.
	v.closeAttempt(sess)

	pc, err := v.peers.NewPeerConnection()
	if err != nil {
		v.logger.Errorw("failed to create peer connection", "session_id", sess.sessionID, "error", err)
		v.Update(sess.sessionID, domain.StateFailed, err)
		return
	}
	att := newConnectionAttempt(domain.RoleViewer, sess.sessionID, pc, v.metrics, v.logger)
	att.anchor = rec.CreatedAt
	att.offerID = rec.ID
	att.offerSDP = desc.SDP
	sess.attempt = att

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		sess.actor.Post(func() { v.onLocalCandidate(sess, att, init) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		sess.actor.Post(func() { v.onConnectionState(sess, att, s) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		sess.actor.Post(func() { v.onTrack(sess, att, track, receiver) })
	})

	if err := v.answer(sess, att, desc); err != nil {
		v.logger.Errorw("failed to answer offer", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
		att.transition(domain.StateFailed)
		att.close()
		v.Update(sess.sessionID, domain.StateFailed, err)
		return
	}

	v.logger.Infow("offer answered", "session_id", sess.sessionID, "record_id", rec.ID, "attempt", att.id)
}

func (v *ViewerAgent) answer(sess *viewerSession, att *connectionAttempt, offer webrtc.SessionDescription) error {
	errs, err := att.setRemoteDescription(offer)
	if err != nil {
		return err
	}
	for _, cerr := range errs {
		v.logger.Warnw("buffered candidate rejected", "session_id", sess.sessionID, "error", cerr)
	}
	v.Update(sess.sessionID, att.state, nil)

	// Candidates that raced ahead of this offer.
	for _, r := range sess.recent {
		if r.Before(att.anchor) {
			continue
		}
		v.applyCandidate(sess, att, r)
	}

	answer, err := att.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := att.setLocalDescription(answer); err != nil {
		return err
	}
	v.Update(sess.sessionID, att.state, nil)

	sess.outbox.Enqueue(domain.KindAnswer, answer, func(rec *domain.SignalRecord, err error) {
		if err == nil {
			v.logger.Debugw("answer sent", "session_id", sess.sessionID, "record_id", rec.ID, "attempt", att.id)
			return
		}
		sess.actor.Post(func() {
			if sess.attempt != att || att.closed() {
				return
			}
			v.logger.Errorw("failed to send answer", "session_id", sess.sessionID, "attempt", att.id, "error", err)
			att.transition(domain.StateFailed)
			att.close()
			v.Update(sess.sessionID, domain.StateFailed, err)
		})
	})
	return nil
}

func (v *ViewerAgent) applyCandidate(sess *viewerSession, att *connectionAttempt, rec *domain.SignalRecord) {
	buffered, err := att.addRemoteCandidate(rec)
	switch {
	case err != nil && errors.Is(err, domain.ErrMalformedSignal):
		v.metrics.RecordSignalDropped("malformed")
		v.logger.Warnw("dropping malformed candidate", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
	case err != nil:
		v.logger.Warnw("candidate rejected", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
	case buffered:
		v.logger.Debugw("candidate buffered", "session_id", sess.sessionID, "record_id", rec.ID)
	}
}

func (v *ViewerAgent) onLocalCandidate(sess *viewerSession, att *connectionAttempt, init webrtc.ICECandidateInit) {
	if sess.attempt != att || att.closed() {
		return
	}
	sess.outbox.Enqueue(domain.KindICECandidate, init, func(rec *domain.SignalRecord, err error) {
		if err != nil {
			v.logger.Warnw("failed to send candidate", "session_id", sess.sessionID, "attempt", att.id, "error", err)
			return
		}
		v.metrics.RecordCandidate(domain.RoleViewer, "sent")
	})
}

func (v *ViewerAgent) onConnectionState(sess *viewerSession, att *connectionAttempt, s webrtc.PeerConnectionState) {
	if sess.attempt != att {
		return
	}
	if !att.onConnectionState(s) {
		return
	}

	var err error
	if att.state == domain.StateFailed {
		err = domain.ErrNegotiationFailed
		v.logger.Warnw("negotiation failed", "session_id", sess.sessionID, "attempt", att.id)
	} else {
		v.logger.Infow("connection state changed", "session_id", sess.sessionID, "attempt", att.id, "state", att.state)
	}
	if att.closed() {
		att.close()
	}
	v.Update(sess.sessionID, att.state, err)
}

func (v *ViewerAgent) onTrack(sess *viewerSession, att *connectionAttempt, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if sess.attempt != att || att.closed() || v.target == nil {
		return
	}
	v.target.Attach(track, receiver, att.pc)
	sess.attached = true
	v.logger.Infow("inbound track attached", "session_id", sess.sessionID, "attempt", att.id)
}

var _ ports.ViewerAgent = (*ViewerAgent)(nil)
