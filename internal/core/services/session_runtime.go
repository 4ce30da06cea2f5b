package services

import (
	"context"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"go.uber.org/zap"
)

// sessionRuntime is everything one active session owns: its actor, its
// outbox, its live feed and its current attempt.
type sessionRuntime struct {
	sessionID domain.SessionID
	actor     *sessionActor
	outbox    *outbox

	cancelWatch context.CancelFunc
	watchDone   chan struct{}

	// actor-owned
	attempt *connectionAttempt

	logger *zap.SugaredLogger
}

func newSessionRuntime(ctx context.Context, relay ports.SignalRelay, sessionID domain.SessionID, role domain.SenderRole, logger *zap.SugaredLogger) *sessionRuntime {
	return &sessionRuntime{
		sessionID: sessionID,
		actor:     newSessionActor(),
		outbox:    newOutbox(ctx, relay, sessionID, role),
		logger:    logger.With("session_id", sessionID),
	}
}

// watch starts the live feed and posts every record to the actor. The
// pump itself never blocks on negotiation work.
func (rt *sessionRuntime) watch(ctx context.Context, relay ports.SignalRelay, predicate ports.SignalPredicate, handle func(*domain.SignalRecord)) error {
	ctx, cancel := context.WithCancel(ctx)
	feed, err := relay.Watch(ctx, rt.sessionID, predicate)
	if err != nil {
		cancel()
		return err
	}

	rt.cancelWatch = cancel
	rt.watchDone = make(chan struct{})
	go func() {
		defer close(rt.watchDone)
		for rec := range feed {
			rec := rec
			if !rt.actor.Post(func() { handle(rec) }) {
				return
			}
		}
		if ctx.Err() == nil {
			rt.logger.Warnw("signal feed ended")
		}
	}()
	return nil
}

// shutdown stops the feed, then the outbox, runs teardown on the actor and
// stops the actor. When it returns nothing of the session is left running.
func (rt *sessionRuntime) shutdown(teardown func()) {
	if rt.cancelWatch != nil {
		rt.cancelWatch()
		<-rt.watchDone
	}
	rt.outbox.Stop()
	if teardown != nil {
		_ = rt.actor.Call(teardown)
	}
	rt.actor.Stop()
}

// sendSync is an ordered send that waits for its result. It is only used
// off the actor.
func (rt *sessionRuntime) sendSync(ctx context.Context, kind domain.SignalKind, payload interface{}) (*domain.SignalRecord, error) {
	type result struct {
		rec *domain.SignalRecord
		err error
	}
	done := make(chan result, 1)
	if !rt.outbox.Enqueue(kind, payload, func(rec *domain.SignalRecord, err error) {
		done <- result{rec, err}
	}) {
		return nil, domain.ErrAgentStopped
	}

	select {
	case r := <-done:
		return r.rec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rt.outbox.done:
		// the outbox may have finished the send just before stopping
		select {
		case r := <-done:
			return r.rec, r.err
		default:
			return nil, domain.ErrAgentStopped
		}
	}
}
