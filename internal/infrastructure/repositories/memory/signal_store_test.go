package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offer(session domain.SessionID, sdp string) *domain.SignalRecord {
	return &domain.SignalRecord{
		SessionID:  session,
		SenderType: domain.RoleBroadcaster,
		SignalType: domain.KindOffer,
		SignalData: json.RawMessage(`{"type":"offer","sdp":"` + sdp + `"}`),
	}
}

func candidate(session domain.SessionID, role domain.SenderRole, c string) *domain.SignalRecord {
	return &domain.SignalRecord{
		SessionID:  session,
		SenderType: role,
		SignalType: domain.KindICECandidate,
		SignalData: json.RawMessage(`{"candidate":"` + c + `"}`),
	}
}

func TestMemorySignalStore_AppendAssignsIDAndMonotonicTime(t *testing.T) {
	store := NewMemorySignalStore(8)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := store.Append(ctx, offer("S1", "A"))
	require.NoError(t, err)
	second, err := store.Append(ctx, offer("S1", "B"))
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.CreatedAt.After(first.CreatedAt), "created_at must advance under a frozen clock")
}

func TestMemorySignalStore_AppendRejectsMalformed(t *testing.T) {
	store := NewMemorySignalStore(8)
	rec := offer("S1", "")

	_, err := store.Append(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrMalformedSignal)
}

func TestMemorySignalStore_Latest(t *testing.T) {
	store := NewMemorySignalStore(8)
	ctx := context.Background()

	_, _ = store.Append(ctx, offer("S1", "A"))
	_, _ = store.Append(ctx, candidate("S1", domain.RoleBroadcaster, "c1"))
	_, _ = store.Append(ctx, offer("S1", "B"))
	_, _ = store.Append(ctx, offer("S2", "Z"))

	latest, err := store.Latest(ctx, ports.RecordFilter{SessionID: "S1", SenderType: domain.RoleBroadcaster, SignalType: domain.KindOffer})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.JSONEq(t, `{"type":"offer","sdp":"B"}`, string(latest.SignalData))

	none, err := store.Latest(ctx, ports.RecordFilter{SessionID: "S1", SignalType: domain.KindAnswer})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemorySignalStore_Since(t *testing.T) {
	store := NewMemorySignalStore(8)
	ctx := context.Background()

	a, _ := store.Append(ctx, offer("S1", "A"))
	_, _ = store.Append(ctx, candidate("S1", domain.RoleBroadcaster, "c1"))
	_, _ = store.Append(ctx, candidate("S1", domain.RoleBroadcaster, "c2"))

	recs, err := store.Since(ctx, "S1", a.CreatedAt, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(recs[0].SignalData))

	limited, err := store.Since(ctx, "S1", time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, a.ID, limited[0].ID)
}

func TestMemorySignalStore_SubscribeNotifiesOnlySession(t *testing.T) {
	store := NewMemorySignalStore(8)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "S1")
	require.NoError(t, err)
	defer sub.Close()

	_, _ = store.Append(ctx, offer("S2", "other"))
	appended, _ := store.Append(ctx, offer("S1", "A"))

	select {
	case rec := <-sub.Records():
		assert.Equal(t, appended.ID, rec.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestMemorySignalStore_SlowSubscriberIsDisconnected(t *testing.T) {
	store := NewMemorySignalStore(1)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "S1")
	require.NoError(t, err)
	defer sub.Close()

	_, _ = store.Append(ctx, offer("S1", "A"))
	_, _ = store.Append(ctx, offer("S1", "B"))

	assert.Equal(t, uint64(1), store.Dropped())

	first, ok := <-sub.Records()
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"offer","sdp":"A"}`, string(first.SignalData))
	_, ok = <-sub.Records()
	assert.False(t, ok, "feed ends after the missed notification")

	recs, _ := store.Since(ctx, "S1", first.CreatedAt, 0)
	assert.Len(t, recs, 1, "missed records stay replayable")
}

func TestMemorySignalStore_SubscriptionEnds(t *testing.T) {
	store := NewMemorySignalStore(8)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := store.Subscribe(ctx, "S1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.Records():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on context cancel")
	}
	assert.NoError(t, sub.Close(), "close after cancel is a no-op")

	sub2, _ := store.Subscribe(context.Background(), "S1")
	store.Disconnect("S1")
	_, ok := <-sub2.Records()
	assert.False(t, ok)
}

func TestMemorySignalStore_Close(t *testing.T) {
	store := NewMemorySignalStore(8)
	sub, _ := store.Subscribe(context.Background(), "S1")

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, ok := <-sub.Records()
	assert.False(t, ok)

	_, err := store.Append(context.Background(), offer("S1", "A"))
	assert.ErrorIs(t, err, domain.ErrRelayClosed)
	assert.ErrorIs(t, store.Ping(context.Background()), domain.ErrRelayClosed)
}
