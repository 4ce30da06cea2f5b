package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type broadcasterSession struct {
	*sessionRuntime

	// actor-owned
	localReady   bool
	localPending []webrtc.ICECandidateInit
	deferred     []*domain.SignalRecord
}

type BroadcasterAgent struct {
	*StatusTracker

	relay   ports.SignalRelay
	peers   ports.PeerConnectionFactory
	lock    ports.SessionLock
	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger

	// startMu serializes Start and Stop.
	startMu sync.Mutex
	sess    *broadcasterSession

	// cancelStart aborts an in-flight Start so Stop never waits on a send.
	cancelMu    sync.Mutex
	cancelStart context.CancelCauseFunc
}

// NewBroadcasterAgent builds an agent that publishes through relay. lock may
// be nil when only one broadcaster can ever run per session.
func NewBroadcasterAgent(relay ports.SignalRelay, peers ports.PeerConnectionFactory, lock ports.SessionLock, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) *BroadcasterAgent {
	return &BroadcasterAgent{
		StatusTracker: newStatusTracker(domain.RoleBroadcaster),
		relay:         relay,
		peers:         peers,
		lock:          lock,
		metrics:       metrics,
		logger:        logger.With("role", domain.RoleBroadcaster),
	}
}

// Start opens a new connection attempt for sessionID and relays its offer.
// Calling it again supersedes the current attempt with a fresh offer.
func (b *BroadcasterAgent) Start(ctx context.Context, sessionID domain.SessionID, source ports.MediaSource) error {
	if source == nil || len(source.Tracks()) == 0 {
		return domain.ErrNoMediaTracks
	}
	tracks := source.Tracks()

	b.startMu.Lock()
	defer b.startMu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	b.cancelMu.Lock()
	b.cancelStart = cancel
	b.cancelMu.Unlock()
	defer func() {
		b.cancelMu.Lock()
		b.cancelStart = nil
		b.cancelMu.Unlock()
		cancel(nil)
	}()

	sess, err := b.session(ctx, sessionID)
	if err != nil {
		if errors.Is(context.Cause(ctx), domain.ErrAgentStopped) {
			b.Update(sessionID, domain.StateClosed, nil)
			return fmt.Errorf("failed to open session: %w", domain.ErrAgentStopped)
		}
		b.Update(sessionID, domain.StateFailed, err)
		b.logger.Errorw("failed to open session", "session_id", sessionID, "error", err)
		return err
	}

	var (
		att      *connectionAttempt
		offer    webrtc.SessionDescription
		offerErr error
	)
	if err := sess.actor.Call(func() {
		if sess.attempt != nil {
			sess.attempt.close()
			sess.attempt = nil
		}
		sess.localReady = false
		sess.localPending = nil

		att, offer, offerErr = b.newAttempt(sess, tracks)
		if offerErr != nil {
			if att != nil {
				att.close()
			}
			b.Update(sessionID, domain.StateFailed, offerErr)
			return
		}
		sess.attempt = att
		b.Update(sessionID, att.state, nil)
	}); err != nil {
		return err
	}
	if offerErr != nil {
		return offerErr
	}

	rec, err := sess.sendSync(ctx, domain.KindOffer, offer)
	if err != nil {
		stopped := errors.Is(context.Cause(ctx), domain.ErrAgentStopped) || errors.Is(err, domain.ErrAgentStopped)
		if stopped {
			err = domain.ErrAgentStopped
		}
		_ = sess.actor.Call(func() {
			if sess.attempt == att {
				att.close()
				sess.attempt = nil
			}
			if !stopped {
				b.Update(sessionID, domain.StateFailed, err)
			}
		})
		if stopped {
			b.logger.Infow("offer abandoned by stop", "session_id", sessionID)
			return fmt.Errorf("failed to send offer: %w", err)
		}
		b.logger.Errorw("failed to send offer", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to send offer: %w", err)
	}

	_ = sess.actor.Call(func() {
		if sess.attempt != att || att.closed() {
			return
		}
		att.anchor = rec.CreatedAt
		att.offerID = rec.ID
		att.offerSDP = offer.SDP
		sess.localReady = true

		for _, init := range sess.localPending {
			b.sendCandidate(sess, att, init)
		}
		sess.localPending = nil

		deferred := sess.deferred
		sess.deferred = nil
		for _, r := range deferred {
			b.handleViewerRecord(sess, r)
		}
	})

	b.logger.Infow("offer sent",
		"session_id", sessionID,
		"record_id", rec.ID,
		"attempt", att.id,
		"tracks", len(tracks),
	)
	return nil
}

// Stop closes the attempt and the feed, and releases the session lock.
func (b *BroadcasterAgent) Stop() error {
	b.cancelMu.Lock()
	if b.cancelStart != nil {
		b.cancelStart(domain.ErrAgentStopped)
	}
	b.cancelMu.Unlock()

	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.stopSession()
}

func (b *BroadcasterAgent) session(ctx context.Context, sessionID domain.SessionID) (*broadcasterSession, error) {
	if b.sess != nil && b.sess.sessionID == sessionID {
		return b.sess, nil
	}
	if err := b.stopSession(); err != nil {
		b.logger.Warnw("failed to stop previous session", "error", err)
	}

	if b.lock != nil {
		if err := b.lock.Acquire(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	// The session outlives the Start call that opened it.
	bg := context.WithoutCancel(ctx)
	sess := &broadcasterSession{
		sessionRuntime: newSessionRuntime(bg, b.relay, sessionID, domain.RoleBroadcaster, b.logger),
	}

	fromViewer := func(rec *domain.SignalRecord) bool {
		return rec.SenderType == domain.RoleViewer
	}
	if err := sess.watch(bg, b.relay, fromViewer, func(rec *domain.SignalRecord) {
		b.handleViewerRecord(sess, rec)
	}); err != nil {
		sess.shutdown(nil)
		b.releaseLock(sessionID)
		return nil, fmt.Errorf("failed to watch session: %w", err)
	}

	b.sess = sess
	b.logger.Infow("broadcaster session opened", "session_id", sessionID)
	return sess, nil
}

func (b *BroadcasterAgent) stopSession() error {
	sess := b.sess
	if sess == nil {
		return nil
	}
	b.sess = nil

	sess.shutdown(func() {
		if sess.attempt != nil {
			sess.attempt.close()
			sess.attempt = nil
		}
		sess.localPending = nil
		sess.deferred = nil
	})
	b.Update(sess.sessionID, domain.StateClosed, nil)
	b.releaseLock(sess.sessionID)

	b.logger.Infow("broadcaster session closed", "session_id", sess.sessionID)
	return nil
}

func (b *BroadcasterAgent) releaseLock(sessionID domain.SessionID) {
	if b.lock == nil {
		return
	}
	if err := b.lock.Release(context.Background(), sessionID); err != nil {
		b.logger.Warnw("failed to release session lock", "session_id", sessionID, "error", err)
	}
}

// newAttempt runs on the actor. It builds the peer connection, attaches the
// tracks and sets the local offer.
func (b *BroadcasterAgent) newAttempt(sess *broadcasterSession, tracks []webrtc.TrackLocal) (*connectionAttempt, webrtc.SessionDescription, error) {
	var offer webrtc.SessionDescription

	pc, err := b.peers.NewPeerConnection()
	if err != nil {
		return nil, offer, fmt.Errorf("failed to create peer connection: %w", err)
	}
	att := newConnectionAttempt(domain.RoleBroadcaster, sess.sessionID, pc, b.metrics, b.logger)

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return att, offer, fmt.Errorf("failed to add track %s: %w", track.ID(), err)
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		sess.actor.Post(func() { b.onLocalCandidate(sess, att, init) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		sess.actor.Post(func() { b.onConnectionState(sess, att, s) })
	})

	offer, err = pc.CreateOffer(nil)
	if err != nil {
		return att, offer, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := att.setLocalDescription(offer); err != nil {
		return att, offer, err
	}
	return att, offer, nil
}

// drainRTCP reads incoming RTCP so interceptors such as NACK keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (b *BroadcasterAgent) onLocalCandidate(sess *broadcasterSession, att *connectionAttempt, init webrtc.ICECandidateInit) {
	if sess.attempt != att || att.closed() {
		return
	}
	// Candidates must not reach the relay before the offer they belong to.
	if !sess.localReady {
		sess.localPending = append(sess.localPending, init)
		return
	}
	b.sendCandidate(sess, att, init)
}

func (b *BroadcasterAgent) sendCandidate(sess *broadcasterSession, att *connectionAttempt, init webrtc.ICECandidateInit) {
	sess.outbox.Enqueue(domain.KindICECandidate, init, func(rec *domain.SignalRecord, err error) {
		if err != nil {
			b.logger.Warnw("failed to send candidate", "session_id", sess.sessionID, "attempt", att.id, "error", err)
			return
		}
		b.metrics.RecordCandidate(domain.RoleBroadcaster, "sent")
	})
}

func (b *BroadcasterAgent) onConnectionState(sess *broadcasterSession, att *connectionAttempt, s webrtc.PeerConnectionState) {
	if sess.attempt != att {
		return
	}
	if !att.onConnectionState(s) {
		return
	}

	var err error
	if att.state == domain.StateFailed {
		err = domain.ErrNegotiationFailed
		b.logger.Warnw("negotiation failed", "session_id", sess.sessionID, "attempt", att.id)
	} else {
		b.logger.Infow("connection state changed", "session_id", sess.sessionID, "attempt", att.id, "state", att.state)
	}
	if att.closed() {
		att.close()
	}
	b.Update(sess.sessionID, att.state, err)
}

// handleViewerRecord runs on the actor for every viewer record of the
// session, live or replayed.
func (b *BroadcasterAgent) handleViewerRecord(sess *broadcasterSession, rec *domain.SignalRecord) {
	att := sess.attempt
	if att == nil || att.closed() {
		b.discardStale(sess, rec, "no live attempt")
		return
	}
	// The anchor is unknown until the offer has been appended.
	if !sess.localReady {
		sess.deferred = append(sess.deferred, rec)
		return
	}
	if rec.Before(att.anchor) {
		b.discardStale(sess, rec, "older than current offer")
		return
	}

	switch rec.SignalType {
	case domain.KindAnswer:
		b.applyAnswer(sess, att, rec)
	case domain.KindICECandidate:
		b.applyCandidate(sess, att, rec)
	default:
		b.metrics.RecordSignalDropped("unexpected_kind")
	}
}

func (b *BroadcasterAgent) applyAnswer(sess *broadcasterSession, att *connectionAttempt, rec *domain.SignalRecord) {
	// Only the first answer to the outstanding offer counts.
	if att.state != domain.StateHaveLocalOffer {
		b.metrics.RecordSignalDropped("duplicate_answer")
		b.logger.Debugw("ignoring answer", "session_id", sess.sessionID, "record_id", rec.ID, "state", att.state)
		return
	}

	desc, err := rec.SessionDescription()
	if err != nil {
		b.metrics.RecordSignalDropped("malformed")
		b.logger.Warnw("dropping malformed answer", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
		return
	}

	errs, err := att.setRemoteDescription(desc)
	if err != nil {
		b.logger.Errorw("failed to apply answer", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
		att.transition(domain.StateFailed)
		att.close()
		b.Update(sess.sessionID, domain.StateFailed, err)
		return
	}
	for _, cerr := range errs {
		b.logger.Warnw("buffered candidate rejected", "session_id", sess.sessionID, "error", cerr)
	}

	b.logger.Infow("answer applied", "session_id", sess.sessionID, "record_id", rec.ID, "attempt", att.id)
	b.Update(sess.sessionID, att.state, nil)
}

func (b *BroadcasterAgent) applyCandidate(sess *broadcasterSession, att *connectionAttempt, rec *domain.SignalRecord) {
	buffered, err := att.addRemoteCandidate(rec)
	switch {
	case err != nil && errors.Is(err, domain.ErrMalformedSignal):
		b.metrics.RecordSignalDropped("malformed")
		b.logger.Warnw("dropping malformed candidate", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
	case err != nil:
		b.logger.Warnw("candidate rejected", "session_id", sess.sessionID, "record_id", rec.ID, "error", err)
	case buffered:
		b.logger.Debugw("candidate buffered", "session_id", sess.sessionID, "record_id", rec.ID)
	}
}

func (b *BroadcasterAgent) discardStale(sess *broadcasterSession, rec *domain.SignalRecord, reason string) {
	b.metrics.RecordSignalDropped("stale")
	b.logger.Debugw("discarding stale signal",
		"session_id", sess.sessionID,
		"record_id", rec.ID,
		"signal_type", rec.SignalType,
		"reason", reason,
		"error", domain.ErrStaleSignal,
	)
}

var _ ports.BroadcasterAgent = (*BroadcasterAgent)(nil)
