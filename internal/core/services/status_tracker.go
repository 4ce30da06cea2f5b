package services

import (
	"sync"
	"time"

	"peerlink/internal/core/domain"
)

// StatusTracker holds the connected/connecting signal an agent exposes and
// fans changes out to subscribers. Each subscriber sees the latest status;
// intermediate values may be skipped.
type StatusTracker struct {
	mu     sync.RWMutex
	status domain.ConnectionStatus
	subs   map[int]chan domain.ConnectionStatus
	nextID int
}

func newStatusTracker(role domain.SenderRole) *StatusTracker {
	return &StatusTracker{
		status: domain.ConnectionStatus{
			Role:      role,
			State:     domain.StateIdle,
			UpdatedAt: time.Now(),
		},
		subs: make(map[int]chan domain.ConnectionStatus),
	}
}

func (t *StatusTracker) Status() domain.ConnectionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *StatusTracker) Connected() bool {
	return t.Status().Connected
}

func (t *StatusTracker) Connecting() bool {
	return t.Status().Connecting
}

// Subscribe returns a channel that receives the current status immediately
// and every change after it. Call the returned func to unsubscribe.
func (t *StatusTracker) Subscribe() (<-chan domain.ConnectionStatus, func()) {
	ch := make(chan domain.ConnectionStatus, 1)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	ch <- t.status
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Update records the state of the current attempt. A nil err keeps the
// previous error only while the state stays failed.
func (t *StatusTracker) Update(sessionID domain.SessionID, state domain.NegotiationState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.status
	next.SessionID = sessionID
	next.State = state
	next.Connected = state == domain.StateConnected
	next.Connecting = state.Negotiating()
	switch {
	case err != nil:
		next.LastError = err.Error()
	case state != domain.StateFailed:
		next.LastError = ""
	}

	if next.SessionID == t.status.SessionID &&
		next.State == t.status.State &&
		next.LastError == t.status.LastError {
		return
	}
	next.UpdatedAt = time.Now()
	t.status = next

	for _, ch := range t.subs {
		// latest wins
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
