package memory

import (
	"context"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/google/uuid"
)

// MemorySignalStore keeps every session's records in process. A subscriber
// whose buffer is full is disconnected instead of silently skipped, so its
// consumer knows to replay through Since.
type MemorySignalStore struct {
	mu      sync.RWMutex
	records map[domain.SessionID][]*domain.SignalRecord
	subs    map[domain.SessionID]map[*memorySubscription]struct{}
	lastAt  time.Time
	buffer  int
	closed  bool
	dropped uint64
	now     func() time.Time
}

func NewMemorySignalStore(buffer int) *MemorySignalStore {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemorySignalStore{
		records: make(map[domain.SessionID][]*domain.SignalRecord),
		subs:    make(map[domain.SessionID]map[*memorySubscription]struct{}),
		buffer:  buffer,
		now:     time.Now,
	}
}

var _ ports.SignalStore = (*MemorySignalStore)(nil)

func (s *MemorySignalStore) Append(ctx context.Context, rec *domain.SignalRecord) (*domain.SignalRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrRelayClosed
	}

	// created_at never goes backwards, even if the wall clock does.
	at := s.now().UTC()
	if !at.After(s.lastAt) {
		at = s.lastAt.Add(time.Nanosecond)
	}
	s.lastAt = at

	stored := *rec
	stored.ID = domain.RecordID(uuid.NewString())
	stored.CreatedAt = at
	s.records[rec.SessionID] = append(s.records[rec.SessionID], &stored)

	for sub := range s.subs[rec.SessionID] {
		out := stored
		select {
		case sub.ch <- &out:
		default:
			s.dropped++
			sub.closeLocked()
		}
	}

	result := stored
	return &result, nil
}

func (s *MemorySignalStore) Latest(ctx context.Context, filter ports.RecordFilter) (*domain.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrRelayClosed
	}

	records := s.records[filter.SessionID]
	for i := len(records) - 1; i >= 0; i-- {
		if filter.Match(records[i]) {
			out := *records[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemorySignalStore) Since(ctx context.Context, sessionID domain.SessionID, after time.Time, limit int) ([]*domain.SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrRelayClosed
	}

	var out []*domain.SignalRecord
	for _, rec := range s.records[sessionID] {
		if !rec.CreatedAt.After(after) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySignalStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrRelayClosed
	}

	sub := &memorySubscription{
		store:     s,
		sessionID: sessionID,
		ch:        make(chan *domain.SignalRecord, s.buffer),
		done:      make(chan struct{}),
	}
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*memorySubscription]struct{})
	}
	s.subs[sessionID][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Disconnect ends every live subscription of a session, as a dropped
// connection would.
func (s *MemorySignalStore) Disconnect(sessionID domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs[sessionID] {
		sub.closeLocked()
	}
}

// Dropped reports how many subscribers were cut off for falling behind.
func (s *MemorySignalStore) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *MemorySignalStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrRelayClosed
	}
	return nil
}

func (s *MemorySignalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	return nil
}

type memorySubscription struct {
	store     *MemorySignalStore
	sessionID domain.SessionID
	ch        chan *domain.SignalRecord
	done      chan struct{}
	closed    bool
}

func (s *memorySubscription) Records() <-chan *domain.SignalRecord {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked must be called with the store lock held.
func (s *memorySubscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.store.subs[s.sessionID], s)
	if len(s.store.subs[s.sessionID]) == 0 {
		delete(s.store.subs, s.sessionID)
	}
	close(s.ch)
	close(s.done)
}
