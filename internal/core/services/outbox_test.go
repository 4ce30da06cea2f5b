package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_SendsInOrder(t *testing.T) {
	relay := newScriptedRelay()
	o := newOutbox(context.Background(), relay, "S1", domain.RoleBroadcaster)
	defer o.Stop()

	var mu sync.Mutex
	var sent []domain.RecordID
	for i := 0; i < 5; i++ {
		c := testutils.HostCandidate(i)
		require.True(t, o.Enqueue(domain.KindICECandidate, c.ToJSON(), func(rec *domain.SignalRecord, err error) {
			assert.NoError(t, err)
			mu.Lock()
			sent = append(sent, rec.ID)
			mu.Unlock()
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 5
	}, time.Second, 5*time.Millisecond)

	records := relay.Sent()
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, rec.ID, sent[i])
		init, err := rec.Candidate()
		require.NoError(t, err)
		c := testutils.HostCandidate(i)
		assert.Equal(t, c.ToJSON().Candidate, init.Candidate)
	}
}

func TestOutbox_ReportsSendErrors(t *testing.T) {
	relay := newScriptedRelay()
	relay.FailSends(domain.ErrRelayUnavailable)
	o := newOutbox(context.Background(), relay, "S1", domain.RoleViewer)
	defer o.Stop()

	errs := make(chan error, 1)
	o.Enqueue(domain.KindAnswer, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "B"}, func(_ *domain.SignalRecord, err error) {
		errs <- err
	})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, domain.ErrRelayUnavailable)
	case <-time.After(time.Second):
		t.Fatal("send result not reported")
	}
}

func TestOutbox_StopRefusesNewWork(t *testing.T) {
	relay := newScriptedRelay()
	o := newOutbox(context.Background(), relay, "S1", domain.RoleViewer)
	o.Stop()

	c := testutils.HostCandidate(0)
	assert.False(t, o.Enqueue(domain.KindICECandidate, c.ToJSON(), nil))
	assert.Empty(t, relay.Sent())
}
