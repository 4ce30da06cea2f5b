package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type SenderRole string

const (
	RoleBroadcaster SenderRole = "broadcaster"
	RoleViewer      SenderRole = "viewer"
)

func (r SenderRole) Valid() bool {
	return r == RoleBroadcaster || r == RoleViewer
}

// Counterpart returns the role on the other end of a session.
func (r SenderRole) Counterpart() SenderRole {
	if r == RoleBroadcaster {
		return RoleViewer
	}
	return RoleBroadcaster
}

type SignalKind string

const (
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// IsDescription reports whether records of this kind carry a session description.
func (k SignalKind) IsDescription() bool {
	return k == KindOffer || k == KindAnswer
}

type RecordID string

// SignalRecord is one row of the relay. ID and CreatedAt are assigned by the
// relay on append; everything else is immutable once written.
type SignalRecord struct {
	ID         RecordID        `json:"id,omitempty"`
	SessionID  SessionID       `json:"session_id"`
	SenderType SenderRole      `json:"sender_type"`
	SignalType SignalKind      `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewSignalRecord encodes payload and returns an unsent record.
func NewSignalRecord(sessionID SessionID, role SenderRole, kind SignalKind, payload interface{}) (*SignalRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s payload: %v", ErrMalformedSignal, kind, err)
	}
	rec := &SignalRecord{
		SessionID:  sessionID,
		SenderType: role,
		SignalType: kind,
		SignalData: data,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the header fields and that the payload decodes as the shape
// its kind requires.
func (r *SignalRecord) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrMalformedSignal)
	}
	if !r.SenderType.Valid() {
		return fmt.Errorf("%w: unknown sender_type %q", ErrMalformedSignal, r.SenderType)
	}
	if !r.SignalType.Valid() {
		return fmt.Errorf("%w: unknown signal_type %q", ErrMalformedSignal, r.SignalType)
	}
	if r.SignalType.IsDescription() {
		_, err := r.SessionDescription()
		return err
	}
	_, err := r.Candidate()
	return err
}

// Before reports whether r was appended strictly before t.
func (r *SignalRecord) Before(t time.Time) bool {
	return r.CreatedAt.Before(t)
}

func (r *SignalRecord) String() string {
	return fmt.Sprintf("%s/%s/%s#%s", r.SessionID, r.SenderType, r.SignalType, r.ID)
}
