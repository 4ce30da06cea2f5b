package services

import (
	"sync"

	"peerlink/internal/core/domain"
)

// sessionActor runs closures one at a time on a single goroutine. Every
// mutation of negotiation state goes through it, so relay records, peer
// connection callbacks and public calls never interleave.
//
// The mailbox is unbounded so that posting from a pion callback never
// blocks. Call must not be used from inside the actor.
type sessionActor struct {
	mu      sync.Mutex
	mailbox []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newSessionActor() *sessionActor {
	a := &sessionActor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Post queues fn and reports false when the actor has stopped.
func (a *sessionActor) Post(fn func()) bool {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return false
	}
	a.mailbox = append(a.mailbox, fn)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the actor and waits for it.
func (a *sessionActor) Call(fn func()) error {
	finished := make(chan struct{})
	if !a.Post(func() {
		defer close(finished)
		fn()
	}) {
		return domain.ErrAgentStopped
	}

	select {
	case <-finished:
		return nil
	case <-a.done:
		// Stop drains the mailbox before done closes.
		<-finished
		return nil
	}
}

// Stop refuses new work, runs what is already queued and waits for the
// loop to exit.
func (a *sessionActor) Stop() {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
	a.mu.Unlock()
	<-a.done
}

func (a *sessionActor) run() {
	defer close(a.done)
	for {
		<-a.wake
		for {
			a.mu.Lock()
			if len(a.mailbox) == 0 {
				stopped := a.stopped
				a.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := a.mailbox[0]
			a.mailbox[0] = nil
			a.mailbox = a.mailbox[1:]
			a.mu.Unlock()

			fn()
		}
	}
}
