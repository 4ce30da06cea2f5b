package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger = zap.NewNop().Sugar()

var nopMetrics = monitoring.NopMetrics{}

// scriptedRelay is an in-process SignalRelay whose feed the test drives
// record by record, including duplicates and late deliveries that a real
// relay client would filter.
type scriptedRelay struct {
	mu       sync.Mutex
	base     time.Time
	seq      int
	log      []*domain.SignalRecord
	sent     []*domain.SignalRecord
	sendErr  error
	kindErrs map[domain.SignalKind]error
	feeds    map[*scriptedFeed]struct{}
	watchErr error
	// gate, when set, holds every Send until it is closed or the send's
	// context ends.
	gate     chan struct{}
	inFlight int
}

type scriptedFeed struct {
	ch        chan *domain.SignalRecord
	predicate ports.SignalPredicate
}

func newScriptedRelay() *scriptedRelay {
	return &scriptedRelay{
		base:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		kindErrs: make(map[domain.SignalKind]error),
		feeds:    make(map[*scriptedFeed]struct{}),
	}
}

func (r *scriptedRelay) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *scriptedRelay) FailWatch(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchErr = err
}

// HoldSends blocks later sends until the returned func is called.
func (r *scriptedRelay) HoldSends() func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

func (r *scriptedRelay) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func (r *scriptedRelay) FailKind(kind domain.SignalKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kindErrs[kind] = err
}

// Record stores a record in the log without notifying anyone.
func (r *scriptedRelay) Record(sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind, payload interface{}) *domain.SignalRecord {
	rec, err := domain.NewSignalRecord(sessionID, role, kind, payload)
	if err != nil {
		panic(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec.ID = domain.RecordID(fmt.Sprintf("r%d", r.seq))
	rec.CreatedAt = r.base.Add(time.Duration(r.seq) * time.Millisecond)
	r.log = append(r.log, rec)
	return rec
}

// Deliver pushes rec to every matching live feed.
func (r *scriptedRelay) Deliver(rec *domain.SignalRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for f := range r.feeds {
		if f.predicate == nil || f.predicate(rec) {
			cp := *rec
			f.ch <- &cp
		}
	}
}

func (r *scriptedRelay) Push(sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind, payload interface{}) *domain.SignalRecord {
	rec := r.Record(sessionID, role, kind, payload)
	r.Deliver(rec)
	return rec
}

func (r *scriptedRelay) Sent() []*domain.SignalRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.SignalRecord(nil), r.sent...)
}

func (r *scriptedRelay) SentOfKind(kind domain.SignalKind) []*domain.SignalRecord {
	var out []*domain.SignalRecord
	for _, rec := range r.Sent() {
		if rec.SignalType == kind {
			out = append(out, rec)
		}
	}
	return out
}

func (r *scriptedRelay) Feeds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

func (r *scriptedRelay) Send(ctx context.Context, sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind, payload interface{}) (*domain.SignalRecord, error) {
	r.mu.Lock()
	gate := r.gate
	if gate != nil {
		r.inFlight++
	}
	r.mu.Unlock()
	if gate != nil {
		var cancelled bool
		select {
		case <-gate:
		case <-ctx.Done():
			cancelled = true
		}
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
		if cancelled {
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	err := r.sendErr
	if kerr, ok := r.kindErrs[kind]; ok {
		err = kerr
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rec := r.Record(sessionID, role, kind, payload)
	r.mu.Lock()
	r.sent = append(r.sent, rec)
	r.mu.Unlock()
	r.Deliver(rec)
	return rec, nil
}

func (r *scriptedRelay) Watch(ctx context.Context, sessionID domain.SessionID, predicate ports.SignalPredicate) (<-chan *domain.SignalRecord, error) {
	r.mu.Lock()
	err := r.watchErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f := &scriptedFeed{
		ch: make(chan *domain.SignalRecord, 256),
		predicate: func(rec *domain.SignalRecord) bool {
			return rec.SessionID == sessionID && (predicate == nil || predicate(rec))
		},
	}

	r.mu.Lock()
	r.feeds[f] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.feeds, f)
		close(f.ch)
		r.mu.Unlock()
	}()
	return f.ch, nil
}

func (r *scriptedRelay) QueryLatest(ctx context.Context, sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind) (*domain.SignalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter := ports.RecordFilter{SessionID: sessionID, SenderType: role, SignalType: kind}
	for i := len(r.log) - 1; i >= 0; i-- {
		if filter.Match(r.log[i]) {
			cp := *r.log[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *scriptedRelay) Replay(ctx context.Context, sessionID domain.SessionID, after time.Time, predicate ports.SignalPredicate) ([]*domain.SignalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.SignalRecord
	for _, rec := range r.log {
		if rec.SessionID != sessionID || !rec.CreatedAt.After(after) {
			continue
		}
		if predicate != nil && !predicate(rec) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *scriptedRelay) Close() error { return nil }

var _ ports.SignalRelay = (*scriptedRelay)(nil)

func offerSDP(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answerSDP(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func candidateInit(i int) webrtc.ICECandidateInit {
	c := testutils.HostCandidate(i)
	return c.ToJSON()
}

func newTestSource(t *testing.T) *testutils.MockMediaSource {
	t.Helper()
	src, err := testutils.NewMockMediaSource()
	require.NoError(t, err)
	return src
}

// settle waits until every closure posted to the actor so far has run.
func settle(t *testing.T, rt *sessionRuntime) {
	t.Helper()
	require.NoError(t, rt.actor.Call(func() {}))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// recordingMetrics counts what the agents report so tests can wait on
// outcomes that leave no trace on the peer connection.
type recordingMetrics struct {
	mu         sync.Mutex
	dropped    map[string]int
	candidates map[string]int
	attempts   int
	relayErrs  int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		dropped:    make(map[string]int),
		candidates: make(map[string]int),
	}
}

func (m *recordingMetrics) RecordSignalSent(domain.SenderRole, domain.SignalKind)         {}
func (m *recordingMetrics) RecordSignalReceived(domain.SenderRole, domain.SignalKind)     {}
func (m *recordingMetrics) RecordAttemptState(domain.SenderRole, domain.NegotiationState) {}
func (m *recordingMetrics) RecordMediaPackets(string, int)                                {}

func (m *recordingMetrics) RecordSignalDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *recordingMetrics) RecordAttemptStarted(domain.SenderRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
}

func (m *recordingMetrics) RecordCandidate(_ domain.SenderRole, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[outcome]++
}

func (m *recordingMetrics) RecordRelayError(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayErrs++
}

func (m *recordingMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *recordingMetrics) Candidates(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidates[outcome]
}

func (m *recordingMetrics) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *recordingMetrics) RelayErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayErrs
}

var _ ports.SignalingMetrics = (*recordingMetrics)(nil)
