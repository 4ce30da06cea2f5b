package redis

import (
	"context"
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisSessionLock_Exclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisSessionLock(client, time.Minute, zap.NewNop().Sugar())
	b := NewRedisSessionLock(client, time.Minute, zap.NewNop().Sugar())

	require.NoError(t, a.Acquire(ctx, "S1"))
	assert.NoError(t, a.Acquire(ctx, "S1"), "re-acquire by the holder is a no-op")
	assert.ErrorIs(t, b.Acquire(ctx, "S1"), domain.ErrSessionLocked)

	require.NoError(t, b.Release(ctx, "S1"), "releasing an unheld lock is a no-op")
	assert.True(t, mr.Exists(lockKey("S1")))

	require.NoError(t, a.Release(ctx, "S1"))
	assert.False(t, mr.Exists(lockKey("S1")))
	assert.NoError(t, b.Acquire(ctx, "S1"))
	require.NoError(t, b.Release(ctx, "S1"))
}

func TestRedisSessionLock_ExpiredLockCanBeTaken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisSessionLock(client, time.Hour, zap.NewNop().Sugar())
	b := NewRedisSessionLock(client, time.Hour, zap.NewNop().Sugar())

	require.NoError(t, a.Acquire(ctx, "S1"))
	mr.FastForward(2 * time.Hour)

	assert.NoError(t, b.Acquire(ctx, "S1"))
	require.NoError(t, a.Release(ctx, "S1"))
	assert.True(t, mr.Exists(lockKey("S1")), "a stale holder must not delete the new owner's lock")
	require.NoError(t, b.Release(ctx, "S1"))
}
