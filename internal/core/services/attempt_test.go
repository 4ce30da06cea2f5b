package services

import (
	"errors"
	"strings"
	"testing"

	"peerlink/internal/core/domain"
	"peerlink/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttempt(t *testing.T, role domain.SenderRole, peers *testutils.MockPeerFactory) (*connectionAttempt, *testutils.MockPeerConnection) {
	t.Helper()
	pc, err := peers.NewPeerConnection()
	require.NoError(t, err)
	return newConnectionAttempt(role, "S1", pc, nopMetrics, testLogger), pc.(*testutils.MockPeerConnection)
}

func TestAttempt_CandidatesBufferedThenFlushedInOrder(t *testing.T) {
	relay := newScriptedRelay()
	att, pc := newTestAttempt(t, domain.RoleViewer, &testutils.MockPeerFactory{Label: "viewer"})

	early := []*domain.SignalRecord{
		relay.Record("S1", domain.RoleBroadcaster, domain.KindICECandidate, candidateInit(0)),
		relay.Record("S1", domain.RoleBroadcaster, domain.KindICECandidate, candidateInit(1)),
	}
	for _, rec := range early {
		buffered, err := att.addRemoteCandidate(rec)
		require.NoError(t, err)
		assert.True(t, buffered)
	}
	assert.Empty(t, pc.AddedCandidates())

	errs, err := att.setRemoteDescription(offerSDP("A"))
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, domain.StateHaveRemoteOffer, att.state)

	late := relay.Record("S1", domain.RoleBroadcaster, domain.KindICECandidate, candidateInit(2))
	buffered, err := att.addRemoteCandidate(late)
	require.NoError(t, err)
	assert.False(t, buffered)

	// redelivery of any of them is a no-op
	for _, rec := range append(early, late) {
		_, err := att.addRemoteCandidate(rec)
		require.NoError(t, err)
	}

	want := []string{
		candidateInit(0).Candidate,
		candidateInit(1).Candidate,
		candidateInit(2).Candidate,
	}
	assert.Equal(t, want, pc.AddedCandidates())
}

func TestAttempt_FlushFailureIsPerCandidate(t *testing.T) {
	relay := newScriptedRelay()
	bad := candidateInit(1).Candidate
	peers := &testutils.MockPeerFactory{
		Label: "viewer",
		RejectCandidate: func(c webrtc.ICECandidateInit) error {
			if c.Candidate == bad {
				return errors.New("unusable candidate")
			}
			return nil
		},
	}
	att, pc := newTestAttempt(t, domain.RoleViewer, peers)

	for i := 0; i < 3; i++ {
		_, err := att.addRemoteCandidate(relay.Record("S1", domain.RoleBroadcaster, domain.KindICECandidate, candidateInit(i)))
		require.NoError(t, err)
	}

	errs, err := att.setRemoteDescription(offerSDP("A"))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], domain.ErrCandidateRejected)

	assert.Equal(t, []string{candidateInit(0).Candidate, candidateInit(2).Candidate}, pc.AddedCandidates())
	assert.Equal(t, domain.StateHaveRemoteOffer, att.state)
}

func TestAttempt_RejectedLiveCandidateDoesNotFail(t *testing.T) {
	relay := newScriptedRelay()
	peers := &testutils.MockPeerFactory{
		Label:           "broadcaster",
		RejectCandidate: func(webrtc.ICECandidateInit) error { return errors.New("nope") },
	}
	att, _ := newTestAttempt(t, domain.RoleBroadcaster, peers)
	require.NoError(t, att.setLocalDescription(offerSDP("A")))
	_, err := att.setRemoteDescription(answerSDP("B"))
	require.NoError(t, err)

	_, err = att.addRemoteCandidate(relay.Record("S1", domain.RoleViewer, domain.KindICECandidate, candidateInit(0)))
	assert.ErrorIs(t, err, domain.ErrCandidateRejected)
	assert.Equal(t, domain.StateHaveRemoteAnswer, att.state)
}

func TestAttempt_BroadcasterPath(t *testing.T) {
	att, pc := newTestAttempt(t, domain.RoleBroadcaster, &testutils.MockPeerFactory{Label: "broadcaster"})
	assert.Equal(t, domain.StateIdle, att.state)

	require.NoError(t, att.setLocalDescription(offerSDP("A")))
	assert.Equal(t, domain.StateHaveLocalOffer, att.state)

	_, err := att.setRemoteDescription(answerSDP("B"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateHaveRemoteAnswer, att.state)

	// a second answer is refused and leaves the connection untouched
	_, err = att.setRemoteDescription(answerSDP("C"))
	assert.ErrorIs(t, err, domain.ErrStaleSignal)
	assert.Equal(t, 1, pc.RemoteSetCount())
	assert.Equal(t, "B", pc.RemoteDescription().SDP)

	assert.True(t, att.onConnectionState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, domain.StateConnected, att.state)

	// disconnected is transient
	assert.False(t, att.onConnectionState(webrtc.PeerConnectionStateDisconnected))
	assert.Equal(t, domain.StateConnected, att.state)

	assert.True(t, att.onConnectionState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, domain.StateFailed, att.state)
	assert.False(t, att.onConnectionState(webrtc.PeerConnectionStateConnected))
}

func TestAttempt_ViewerPath(t *testing.T) {
	att, pc := newTestAttempt(t, domain.RoleViewer, &testutils.MockPeerFactory{Label: "viewer"})

	err := att.setLocalDescription(answerSDP("B"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "idle"))

	_, err = att.setRemoteDescription(offerSDP("A"))
	require.NoError(t, err)
	require.NoError(t, att.setLocalDescription(answerSDP("B")))
	assert.Equal(t, domain.StateHaveLocalAnswer, att.state)
	assert.Equal(t, "B", pc.LocalDescription().SDP)

	assert.True(t, att.onConnectionState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, domain.StateConnected, att.state)
}

func TestAttempt_CloseIsTerminalAndIdempotent(t *testing.T) {
	relay := newScriptedRelay()
	att, pc := newTestAttempt(t, domain.RoleViewer, &testutils.MockPeerFactory{Label: "viewer"})
	_, err := att.addRemoteCandidate(relay.Record("S1", domain.RoleBroadcaster, domain.KindICECandidate, candidateInit(0)))
	require.NoError(t, err)

	att.close()
	att.close()

	assert.True(t, pc.IsClosed())
	assert.Equal(t, domain.StateClosed, att.state)
	assert.Empty(t, att.pending)

	_, err = att.setRemoteDescription(offerSDP("A"))
	assert.ErrorIs(t, err, domain.ErrAttemptClosed)
	_, err = att.addRemoteCandidate(relay.Record("S1", domain.RoleBroadcaster, domain.KindICECandidate, candidateInit(1)))
	assert.ErrorIs(t, err, domain.ErrAttemptClosed)
	assert.ErrorIs(t, att.setLocalDescription(offerSDP("A")), domain.ErrAttemptClosed)
}

func TestAttempt_RemoteDescriptionErrorKeepsState(t *testing.T) {
	peers := &testutils.MockPeerFactory{Label: "viewer", RemoteErr: errors.New("bad sdp")}
	att, _ := newTestAttempt(t, domain.RoleViewer, peers)

	_, err := att.setRemoteDescription(offerSDP("A"))
	require.Error(t, err)
	assert.Equal(t, domain.StateIdle, att.state)
	assert.False(t, att.remoteSet)
}
