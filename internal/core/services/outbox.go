package services

import (
	"context"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type outboxItem struct {
	kind    domain.SignalKind
	payload interface{}
	onSent  func(rec *domain.SignalRecord, err error)
}

// outbox sends a session's outbound signals in enqueue order on its own
// goroutine, keeping relay latency off the actor.
type outbox struct {
	relay     ports.SignalRelay
	sessionID domain.SessionID
	role      domain.SenderRole

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []outboxItem
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newOutbox(ctx context.Context, relay ports.SignalRelay, sessionID domain.SessionID, role domain.SenderRole) *outbox {
	ctx, cancel := context.WithCancel(ctx)
	o := &outbox{
		relay:     relay,
		sessionID: sessionID,
		role:      role,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go o.run()
	return o
}

// Enqueue schedules payload for sending. onSent runs on the outbox
// goroutine and may be nil.
func (o *outbox) Enqueue(kind domain.SignalKind, payload interface{}, onSent func(*domain.SignalRecord, error)) bool {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, outboxItem{kind: kind, payload: payload, onSent: onSent})
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels any in-flight send, drops pending items and waits.
func (o *outbox) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.queue = nil
	o.mu.Unlock()

	o.cancel()
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			if o.stopped || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			item := o.queue[0]
			o.queue[0] = outboxItem{}
			o.queue = o.queue[1:]
			o.mu.Unlock()

			rec, err := o.relay.Send(o.ctx, o.sessionID, o.role, item.kind, item.payload)
			if o.ctx.Err() != nil {
				return
			}
			if item.onSent != nil {
				item.onSent(rec, err)
			}
		}
	}
}
