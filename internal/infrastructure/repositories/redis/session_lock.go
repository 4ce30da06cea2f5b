package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisSessionLock lets one broadcaster process own a session across hosts.
// Held locks are renewed at half their TTL until released.
type RedisSessionLock struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
	logger *zap.SugaredLogger

	mu    sync.Mutex
	stops map[domain.SessionID]chan struct{}
}

func NewRedisSessionLock(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) ports.SessionLock {
	return &RedisSessionLock{
		client: client,
		ttl:    ttl,
		owner:  newOwnerToken(),
		logger: logger,
		stops:  make(map[domain.SessionID]chan struct{}),
	}
}

func newOwnerToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (l *RedisSessionLock) Acquire(ctx context.Context, sessionID domain.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.stops[sessionID]; held {
		return nil
	}

	acquired, err := l.client.SetNX(ctx, lockKey(sessionID), l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !acquired {
		return domain.ErrSessionLocked
	}

	stop := make(chan struct{})
	l.stops[sessionID] = stop
	go l.renew(sessionID, stop)
	return nil
}

func (l *RedisSessionLock) Release(ctx context.Context, sessionID domain.SessionID) error {
	l.mu.Lock()
	stop, held := l.stops[sessionID]
	delete(l.stops, sessionID)
	l.mu.Unlock()

	if !held {
		return nil
	}
	close(stop)

	if err := releaseScript.Run(ctx, l.client, []string{lockKey(sessionID)}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release session lock: %w", err)
	}
	return nil
}

func (l *RedisSessionLock) renew(sessionID domain.SessionID, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{lockKey(sessionID)}, l.owner, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warnw("session lock renewal failed", "session_id", sessionID, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Warnw("session lock lost", "session_id", sessionID)
				l.mu.Lock()
				if l.stops[sessionID] == stop {
					delete(l.stops, sessionID)
				}
				l.mu.Unlock()
				return
			}
		}
	}
}
