package repositories

import (
	"context"
	"fmt"
	"sync"

	"peerlink/internal/core/ports"
	"peerlink/internal/infrastructure/repositories/memory"
	redisrepo "peerlink/internal/infrastructure/repositories/redis"
	"peerlink/internal/infrastructure/repositories/remote"
	"peerlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the signal store and session lock for the
// configured backend. A redis backend that cannot be reached falls back to
// memory.
type RepositoryFactory struct {
	cfg         *config.Config
	backend     string
	redisClient *redis.Client
	logger      *zap.SugaredLogger

	mu    sync.Mutex
	store ports.SignalStore
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:     cfg,
		backend: cfg.Relay.Backend,
		logger:  logger,
	}

	switch cfg.Relay.Backend {
	case config.BackendRedis:
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory signal store",
				"error", err,
			)
			factory.backend = config.BackendMemory
		} else {
			factory.redisClient = client
		}
	case config.BackendMemory, config.BackendRemote:
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}

	logger.Infow("signal store backend selected", "backend", factory.backend)
	return factory, nil
}

// Backend reports the backend actually in use.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// CreateSignalStore returns the factory's signal store, building it on
// first use. The factory closes it.
func (f *RepositoryFactory) CreateSignalStore() (ports.SignalStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store != nil {
		return f.store, nil
	}

	switch f.backend {
	case config.BackendRedis:
		f.store = redisrepo.NewRedisSignalStore(f.redisClient, redisrepo.StoreOptions{
			StreamMaxLen: f.cfg.Redis.StreamMaxLen,
			SignalTTL:    f.cfg.Redis.SignalTTL,
			FeedBuffer:   f.cfg.Relay.FeedBuffer,
		}, f.logger)
	case config.BackendRemote:
		store, err := remote.NewSignalStore(remote.Options{
			BaseURL:        f.cfg.Relay.URL,
			Token:          f.cfg.Relay.Token,
			RequestTimeout: f.cfg.Relay.RequestTimeout,
			FeedBuffer:     f.cfg.Relay.FeedBuffer,
			PongTimeout:    f.cfg.Relay.PongTimeout,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote signal store: %w", err)
		}
		f.store = store
	default:
		f.store = memory.NewMemorySignalStore(f.cfg.Relay.FeedBuffer)
	}
	return f.store, nil
}

// CreateSessionLock returns a lock shared across hosts when redis is in use
// and a process-local one otherwise.
func (f *RepositoryFactory) CreateSessionLock() ports.SessionLock {
	if f.redisClient != nil {
		return redisrepo.NewRedisSessionLock(f.redisClient, f.cfg.Redis.LockTTL, f.logger)
	}
	return memory.NewMemorySessionLock()
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	store := f.store
	f.mu.Unlock()

	if store != nil {
		return store.Ping(ctx)
	}
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	f.mu.Lock()
	store := f.store
	f.store = nil
	f.mu.Unlock()

	var firstErr error
	if store != nil {
		if err := store.Close(); err != nil {
			firstErr = err
		}
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
