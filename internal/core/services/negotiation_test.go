package services

import (
	"context"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func latestOf(t *testing.T, relay ports.SignalRelay, role domain.SenderRole, kind domain.SignalKind) string {
	t.Helper()
	rec, err := relay.QueryLatest(context.Background(), "S1", role, kind)
	require.NoError(t, err)
	require.NotNil(t, rec)
	desc, err := rec.SessionDescription()
	require.NoError(t, err)
	return desc.SDP
}

// Offer "A" is relayed before the viewer exists, so only the point query
// can find it.
func TestNegotiation_ViewerJoinsAfterOffer(t *testing.T) {
	relay, _ := newMemoryRelay(t)
	ctx := context.Background()

	bPeers := &testutils.MockPeerFactory{Label: "broadcaster", SDPs: []string{"A"}, AutoConnect: true, LocalCandidates: 2}
	vPeers := &testutils.MockPeerFactory{Label: "viewer", SDPs: []string{"B"}, AutoConnect: true, LocalCandidates: 2}

	b := NewBroadcasterAgent(relay, bPeers, nil, nopMetrics, testLogger)
	defer b.Stop()
	require.NoError(t, b.Start(ctx, "S1", newTestSource(t)))
	assert.Equal(t, "A", latestOf(t, relay, domain.RoleBroadcaster, domain.KindOffer))

	time.Sleep(20 * time.Millisecond)

	v := NewViewerAgent(relay, vPeers, nil, nopMetrics, testLogger)
	defer v.Stop()
	require.NoError(t, v.Watch(ctx, "S1"))

	waitFor(t, func() bool { return b.Connected() && v.Connected() }, "both sides should connect")
	assert.Equal(t, "B", latestOf(t, relay, domain.RoleViewer, domain.KindAnswer))

	bPC, vPC := bPeers.Last(), vPeers.Last()
	assert.Equal(t, "B", bPC.RemoteDescription().SDP)
	assert.Equal(t, "A", vPC.RemoteDescription().SDP)

	// every candidate crosses exactly once whichever path carried it
	waitFor(t, func() bool { return len(vPC.AddedCandidates()) == 2 && len(bPC.AddedCandidates()) == 2 }, "candidates not exchanged")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, vPC.AddedCandidates(), 2)
	assert.Len(t, bPC.AddedCandidates(), 2)

	assert.False(t, b.Connecting())
	assert.False(t, v.Connecting())
}

func TestNegotiation_ReofferSupersedes(t *testing.T) {
	relay, _ := newMemoryRelay(t)
	ctx := context.Background()

	bPeers := &testutils.MockPeerFactory{Label: "broadcaster", AutoConnect: true, LocalCandidates: 1}
	vPeers := &testutils.MockPeerFactory{Label: "viewer", AutoConnect: true, LocalCandidates: 1}

	v := NewViewerAgent(relay, vPeers, nil, nopMetrics, testLogger)
	defer v.Stop()
	require.NoError(t, v.Watch(ctx, "S1"))

	b := NewBroadcasterAgent(relay, bPeers, nil, nopMetrics, testLogger)
	defer b.Stop()
	require.NoError(t, b.Start(ctx, "S1", newTestSource(t)))
	waitFor(t, func() bool { return b.Connected() && v.Connected() }, "first negotiation should connect")

	// re-activation while the viewer holds an answered attempt
	require.NoError(t, b.Start(ctx, "S1", newTestSource(t)))
	waitFor(t, func() bool {
		return len(vPeers.Created()) == 2 && b.Connected() && v.Connected()
	}, "second negotiation should connect")

	bCreated, vCreated := bPeers.Created(), vPeers.Created()
	require.Len(t, bCreated, 2)
	assert.True(t, bCreated[0].IsClosed())
	assert.True(t, vCreated[0].IsClosed())
	assert.Equal(t, 1, bPeers.LiveCount())
	assert.Equal(t, 1, vPeers.LiveCount())

	// the broadcaster took the answer to its second offer, once
	assert.Equal(t, vCreated[1].LocalDescription().SDP, bCreated[1].RemoteDescription().SDP)
	assert.Equal(t, bCreated[1].LocalDescription().SDP, vCreated[1].RemoteDescription().SDP)
	assert.Equal(t, 1, bCreated[1].RemoteSetCount())

	answers, err := relay.Replay(ctx, "S1", time.Time{}, func(rec *domain.SignalRecord) bool {
		return rec.SignalType == domain.KindAnswer
	})
	require.NoError(t, err)
	assert.Len(t, answers, 2)
}

func TestNegotiation_SurvivesFeedDrop(t *testing.T) {
	relay, store := newMemoryRelay(t)
	ctx := context.Background()

	vPeers := &testutils.MockPeerFactory{Label: "viewer", AutoConnect: true}
	v := NewViewerAgent(relay, vPeers, nil, nopMetrics, testLogger)
	defer v.Stop()
	require.NoError(t, v.Watch(ctx, "S1"))

	// the viewer's notification is lost, the resubscribe replay finds it
	store.Disconnect("S1")
	bPeers := &testutils.MockPeerFactory{Label: "broadcaster", AutoConnect: true}
	b := NewBroadcasterAgent(relay, bPeers, nil, nopMetrics, testLogger)
	defer b.Stop()
	require.NoError(t, b.Start(ctx, "S1", newTestSource(t)))

	waitFor(t, func() bool { return b.Connected() && v.Connected() }, "negotiation should recover")
	assert.Len(t, vPeers.Created(), 1)
}
