package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const latestPageSize = 64

type StoreOptions struct {
	StreamMaxLen int64
	SignalTTL    time.Duration
	FeedBuffer   int
}

// RedisSignalStore keeps one stream per session and announces each append
// on a per-session pub/sub channel.
type RedisSignalStore struct {
	client *redis.Client
	opts   StoreOptions
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedisSignalStore(client *redis.Client, opts StoreOptions, logger *zap.SugaredLogger) *RedisSignalStore {
	if opts.FeedBuffer <= 0 {
		opts.FeedBuffer = 64
	}
	return &RedisSignalStore{
		client: client,
		opts:   opts,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

var _ ports.SignalStore = (*RedisSignalStore)(nil)

func (s *RedisSignalStore) Append(ctx context.Context, rec *domain.SignalRecord) (*domain.SignalRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceStore(ctx, "redis", "append", string(rec.SessionID))
	defer span.End()

	key := streamKey(rec.SessionID)
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.opts.StreamMaxLen,
		Approx: s.opts.StreamMaxLen > 0,
		ID:     "*",
		Values: map[string]interface{}{
			"sender_type": string(rec.SenderType),
			"signal_type": string(rec.SignalType),
			"signal_data": string(rec.SignalData),
		},
	}).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to append signal: %w", err)
	}

	stored := *rec
	stored.ID = domain.RecordID(id)
	if stored.CreatedAt, err = createdAtFromID(id); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}

	// The record is durable once XADD returns; a failed notification only
	// costs watchers a replay.
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.opts.SignalTTL > 0 {
			pipe.Expire(ctx, key, s.opts.SignalTTL)
		}
		pipe.SAdd(ctx, sessionsKey, string(rec.SessionID))
		pipe.Publish(ctx, notifyChannel(rec.SessionID), payload)
		return nil
	})
	if err != nil {
		s.logger.Warnw("signal stored but notification failed",
			"session_id", rec.SessionID,
			"record_id", id,
			"error", err,
		)
	}

	return &stored, nil
}

func (s *RedisSignalStore) Latest(ctx context.Context, filter ports.RecordFilter) (*domain.SignalRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "redis", "latest", string(filter.SessionID))
	defer span.End()

	key := streamKey(filter.SessionID)
	end := "+"
	for {
		msgs, err := s.client.XRevRangeN(ctx, key, end, "-", latestPageSize).Result()
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to read signals: %w", err)
		}

		for _, msg := range msgs {
			rec, err := recordFromMessage(filter.SessionID, msg)
			if err != nil {
				s.logger.Warnw("skipping unreadable stream entry", "session_id", filter.SessionID, "record_id", msg.ID, "error", err)
				continue
			}
			if filter.Match(rec) {
				return rec, nil
			}
		}

		if len(msgs) < latestPageSize {
			return nil, nil
		}
		prev, ok := previousID(msgs[len(msgs)-1].ID)
		if !ok {
			return nil, nil
		}
		end = prev
	}
}

func (s *RedisSignalStore) Since(ctx context.Context, sessionID domain.SessionID, after time.Time, limit int) ([]*domain.SignalRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "redis", "since", string(sessionID))
	defer span.End()

	var (
		msgs []redis.XMessage
		err  error
	)
	start := startIDAfter(after)
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, streamKey(sessionID), start, "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, streamKey(sessionID), start, "+").Result()
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to replay signals: %w", err)
	}

	out := make([]*domain.SignalRecord, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := recordFromMessage(sessionID, msg)
		if err != nil {
			s.logger.Warnw("skipping unreadable stream entry", "session_id", sessionID, "record_id", msg.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Subscribe returns once the server has confirmed the subscription, so any
// append that completes afterwards is announced on the feed.
func (s *RedisSignalStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrRelayClosed
	}
	s.mu.Unlock()

	pubsub := s.client.Subscribe(ctx, notifyChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &redisSubscription{
		store:     s,
		sessionID: sessionID,
		pubsub:    pubsub,
		out:       make(chan *domain.SignalRecord, s.opts.FeedBuffer),
		quit:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = pubsub.Close()
		return nil, domain.ErrRelayClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump(ctx)
	return sub, nil
}

func (s *RedisSignalStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close ends all subscriptions. The redis client is owned by the caller.
func (s *RedisSignalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*redisSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *RedisSignalStore) forget(sub *redisSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func recordFromMessage(sessionID domain.SessionID, msg redis.XMessage) (*domain.SignalRecord, error) {
	createdAt, err := createdAtFromID(msg.ID)
	if err != nil {
		return nil, err
	}
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}
	rec := &domain.SignalRecord{
		ID:         domain.RecordID(msg.ID),
		SessionID:  sessionID,
		SenderType: domain.SenderRole(field("sender_type")),
		SignalType: domain.SignalKind(field("signal_type")),
		SignalData: json.RawMessage(field("signal_data")),
		CreatedAt:  createdAt,
	}
	return rec, nil
}

type redisSubscription struct {
	store     *RedisSignalStore
	sessionID domain.SessionID
	pubsub    *redis.PubSub
	out       chan *domain.SignalRecord
	quit      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) Records() <-chan *domain.SignalRecord {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.pubsub.Close()
		s.store.forget(s)
	})
	return err
}

// pump forwards notifications until the feed ends. go-redis reconnects
// pub/sub transparently and can lose messages while doing so; a repeated
// subscribe confirmation reveals that, and the feed is ended so the
// consumer replays.
func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.out)
	defer s.Close()

	in := s.pubsub.ChannelWithSubscriptions(redis.WithChannelSize(cap(s.out)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					s.store.logger.Infow("notification feed resubscribed, forcing replay", "session_id", s.sessionID)
					return
				}
			case *redis.Message:
				var rec domain.SignalRecord
				if err := json.Unmarshal([]byte(m.Payload), &rec); err != nil {
					s.store.logger.Warnw("dropping undecodable notification", "session_id", s.sessionID, "error", err)
					continue
				}
				select {
				case s.out <- &rec:
				default:
					s.store.logger.Warnw("subscriber fell behind, ending feed", "session_id", s.sessionID)
					return
				}
			}
		}
	}
}
