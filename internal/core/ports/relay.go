package ports

import (
	"context"
	"time"

	"peerlink/internal/core/domain"
)

// RecordFilter selects records of one session. Empty role or kind match any.
type RecordFilter struct {
	SessionID  domain.SessionID
	SenderType domain.SenderRole
	SignalType domain.SignalKind
}

func (f RecordFilter) Match(rec *domain.SignalRecord) bool {
	if rec == nil || rec.SessionID != f.SessionID {
		return false
	}
	if f.SenderType != "" && rec.SenderType != f.SenderType {
		return false
	}
	if f.SignalType != "" && rec.SignalType != f.SignalType {
		return false
	}
	return true
}

// SignalPredicate filters a live feed on the consumer side.
type SignalPredicate func(rec *domain.SignalRecord) bool

// Subscription is a best-effort live notification feed for one session.
// Records is closed when the underlying feed drops or Close is called.
type Subscription interface {
	Records() <-chan *domain.SignalRecord
	Close() error
}

// SignalStore is the durable insert-and-notify primitive.
type SignalStore interface {
	// Append assigns ID and CreatedAt and durably stores the record.
	Append(ctx context.Context, rec *domain.SignalRecord) (*domain.SignalRecord, error)
	// Latest returns the newest matching record, or nil when none exists.
	Latest(ctx context.Context, filter RecordFilter) (*domain.SignalRecord, error)
	// Since returns records created strictly after the given time, oldest first.
	Since(ctx context.Context, sessionID domain.SessionID, after time.Time, limit int) ([]*domain.SignalRecord, error)
	Subscribe(ctx context.Context, sessionID domain.SessionID) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// SignalRelay is the client both agents negotiate through.
type SignalRelay interface {
	Send(ctx context.Context, sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind, payload interface{}) (*domain.SignalRecord, error)
	Watch(ctx context.Context, sessionID domain.SessionID, predicate SignalPredicate) (<-chan *domain.SignalRecord, error)
	QueryLatest(ctx context.Context, sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind) (*domain.SignalRecord, error)
	// Replay returns matching records created strictly after the given time,
	// oldest first.
	Replay(ctx context.Context, sessionID domain.SessionID, after time.Time, predicate SignalPredicate) ([]*domain.SignalRecord, error)
	Close() error
}

// SessionLock grants one broadcaster exclusive use of a session.
type SessionLock interface {
	Acquire(ctx context.Context, sessionID domain.SessionID) error
	Release(ctx context.Context, sessionID domain.SessionID) error
}
