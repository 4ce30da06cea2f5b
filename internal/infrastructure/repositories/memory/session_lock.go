package memory

import (
	"context"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// MemorySessionLock is the single-process SessionLock used when no redis is
// configured.
type MemorySessionLock struct {
	mu   sync.Mutex
	held map[domain.SessionID]struct{}
}

func NewMemorySessionLock() ports.SessionLock {
	return &MemorySessionLock{held: make(map[domain.SessionID]struct{})}
}

func (l *MemorySessionLock) Acquire(ctx context.Context, sessionID domain.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[sessionID]; ok {
		return domain.ErrSessionLocked
	}
	l.held[sessionID] = struct{}{}
	return nil
}

func (l *MemorySessionLock) Release(ctx context.Context, sessionID domain.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
	return nil
}
