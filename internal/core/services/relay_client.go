package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/cache"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"

	"go.uber.org/zap"
)

// Records published concurrently can be announced out of append order, so
// a replay starts a little before the newest record already seen and relies
// on dedupe for the overlap.
const replayOverlap = 2 * time.Second

const maxResubscribeDelay = 30 * time.Second

type RelayClientConfig struct {
	ResubscribeDelay time.Duration
	ReplayLimit      int
	DedupeTTL        time.Duration
	Retry            retry.Config
	Breaker          circuitbreaker.Config
}

func DefaultRelayClientConfig() RelayClientConfig {
	return RelayClientConfig{
		ResubscribeDelay: 500 * time.Millisecond,
		ReplayLimit:      256,
		DedupeTTL:        5 * time.Minute,
		Retry:            retry.DefaultConfig(),
		Breaker:          circuitbreaker.DefaultConfig(),
	}
}

type relayClient struct {
	store   ports.SignalStore
	cfg     RelayClientConfig
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.SignalingMetrics
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRelayClient wraps a signal store with validation, a circuit breaker,
// optional retries and self-healing live feeds. The store stays owned by
// the caller.
func NewRelayClient(store ports.SignalStore, cfg RelayClientConfig, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) ports.SignalRelay {
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 500 * time.Millisecond
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 256
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 5 * time.Minute
	}

	// A malformed record fails the same way every time.
	cfg.Retry.Permanent = append(cfg.Retry.Permanent, domain.ErrMalformedSignal, domain.ErrRelayClosed)
	cfg.Breaker.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrMalformedSignal) &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded)
	}

	return &relayClient{
		store:   store,
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.Breaker),
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (c *relayClient) Send(ctx context.Context, sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind, payload interface{}) (*domain.SignalRecord, error) {
	rec, err := domain.NewSignalRecord(sessionID, role, kind, payload)
	if err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, domain.ErrRelayClosed)
	}

	ctx, span := tracing.TraceRelay(ctx, "send", string(sessionID),
		tracing.RoleKey.String(string(role)),
		tracing.KindKey.String(string(kind)),
	)
	defer span.End()

	stored, err := retry.Do(ctx, c.cfg.Retry, func() (*domain.SignalRecord, error) {
		return circuitbreaker.Execute(ctx, c.breaker, func() (*domain.SignalRecord, error) {
			return c.store.Append(ctx, rec)
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		c.metrics.RecordRelayError("send")
		return nil, classifyRelayError(err)
	}

	span.SetAttributes(tracing.RecordIDKey.String(string(stored.ID)))
	c.metrics.RecordSignalSent(role, kind)
	c.logger.Debugw("signal sent",
		"session_id", sessionID,
		"record_id", stored.ID,
		"sender_type", role,
		"signal_type", kind,
	)
	return stored, nil
}

func (c *relayClient) QueryLatest(ctx context.Context, sessionID domain.SessionID, role domain.SenderRole, kind domain.SignalKind) (*domain.SignalRecord, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, domain.ErrRelayClosed)
	}

	ctx, span := tracing.TraceRelay(ctx, "query_latest", string(sessionID),
		tracing.RoleKey.String(string(role)),
		tracing.KindKey.String(string(kind)),
	)
	defer span.End()

	filter := ports.RecordFilter{SessionID: sessionID, SenderType: role, SignalType: kind}
	rec, err := retry.Do(ctx, c.cfg.Retry, func() (*domain.SignalRecord, error) {
		return circuitbreaker.Execute(ctx, c.breaker, func() (*domain.SignalRecord, error) {
			return c.store.Latest(ctx, filter)
		})
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		c.metrics.RecordRelayError("query_latest")
		return nil, classifyRelayError(err)
	}
	if rec == nil {
		return nil, nil
	}
	if err := rec.Validate(); err != nil {
		c.metrics.RecordSignalDropped("malformed")
		c.logger.Warnw("latest record is malformed", "session_id", sessionID, "record_id", rec.ID, "error", err)
		return nil, err
	}
	return rec, nil
}

func (c *relayClient) Replay(ctx context.Context, sessionID domain.SessionID, after time.Time, predicate ports.SignalPredicate) ([]*domain.SignalRecord, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, domain.ErrRelayClosed)
	}

	ctx, span := tracing.TraceRelay(ctx, "replay", string(sessionID))
	defer span.End()

	var out []*domain.SignalRecord
	err := c.since(ctx, sessionID, after, func(rec *domain.SignalRecord) {
		if rec.SessionID != sessionID || (predicate != nil && !predicate(rec)) {
			return
		}
		if err := rec.Validate(); err != nil {
			c.metrics.RecordSignalDropped("malformed")
			return
		}
		out = append(out, rec)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		c.metrics.RecordRelayError("replay")
		return nil, classifyRelayError(err)
	}
	return out, nil
}

// Watch streams records of the session that satisfy predicate. The returned
// channel never applies backpressure to the store: records queue in the
// pump until the consumer reads them.
func (c *relayClient) Watch(ctx context.Context, sessionID domain.SessionID, predicate ports.SignalPredicate) (<-chan *domain.SignalRecord, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, domain.ErrRelayClosed)
	}

	// Subscribing may dial the gateway, so it runs without c.mu.
	sub, err := circuitbreaker.Execute(ctx, c.breaker, func() (ports.Subscription, error) {
		return c.store.Subscribe(ctx, sessionID)
	})
	if err != nil {
		c.metrics.RecordRelayError("watch")
		return nil, classifyRelayError(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, domain.ErrRelayClosed)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	out := make(chan *domain.SignalRecord)
	go c.pump(ctx, sessionID, predicate, sub, out)
	return out, nil
}

// Close ends every feed and waits for their pumps to exit.
func (c *relayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *relayClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// since pages through the store from after, calling fn oldest first.
func (c *relayClient) since(ctx context.Context, sessionID domain.SessionID, after time.Time, fn func(*domain.SignalRecord)) error {
	cursor := after
	for {
		page, err := circuitbreaker.Execute(ctx, c.breaker, func() ([]*domain.SignalRecord, error) {
			return c.store.Since(ctx, sessionID, cursor, c.cfg.ReplayLimit)
		})
		if err != nil {
			return err
		}
		for _, rec := range page {
			fn(rec)
		}
		if len(page) < c.cfg.ReplayLimit {
			return nil
		}
		last := page[len(page)-1].CreatedAt
		if !last.After(cursor) {
			return nil
		}
		cursor = last
	}
}

type feedState struct {
	sessionID domain.SessionID
	predicate ports.SignalPredicate
	seen      *cache.Cache[domain.RecordID, struct{}]
	lastAt    time.Time
	queue     []*domain.SignalRecord
}

func (c *relayClient) pump(ctx context.Context, sessionID domain.SessionID, predicate ports.SignalPredicate, sub ports.Subscription, out chan<- *domain.SignalRecord) {
	defer c.wg.Done()
	defer close(out)

	st := &feedState{
		sessionID: sessionID,
		predicate: predicate,
		seen:      cache.New[domain.RecordID, struct{}](c.cfg.DedupeTTL),
	}
	defer st.seen.Stop()
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	backoff := retry.Config{
		InitialDelay: c.cfg.ResubscribeDelay,
		MaxDelay:     maxResubscribeDelay,
		Multiplier:   2,
		Jitter:       true,
	}
	failures := 0

	in := sub.Records()
	var timer *time.Timer
	var resubscribe <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	schedule := func() {
		delay := retry.Backoff(backoff, failures)
		failures++
		timer = time.NewTimer(delay)
		resubscribe = timer.C
	}

	for {
		var send chan<- *domain.SignalRecord
		var next *domain.SignalRecord
		if len(st.queue) > 0 {
			send = out
			next = st.queue[0]
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case send <- next:
			st.queue[0] = nil
			st.queue = st.queue[1:]

		case rec, ok := <-in:
			if !ok {
				c.logger.Infow("relay feed dropped, resubscribing", "session_id", sessionID)
				_ = sub.Close()
				sub, in = nil, nil
				schedule()
				continue
			}
			c.accept(st, rec)

		case <-resubscribe:
			resubscribe = nil
			newSub, err := c.resubscribe(ctx, st)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.metrics.RecordRelayError("resubscribe")
				c.logger.Warnw("relay resubscribe failed", "session_id", sessionID, "attempt", failures, "error", err)
				schedule()
				continue
			}
			failures = 0
			sub, in = newSub, newSub.Records()
		}
	}
}

// resubscribe opens a new feed and then replays everything the old one may
// have missed. Subscribing first means nothing falls between the two.
func (c *relayClient) resubscribe(ctx context.Context, st *feedState) (ports.Subscription, error) {
	ctx, span := tracing.TraceRelay(ctx, "watch.resubscribe", string(st.sessionID))
	defer span.End()

	sub, err := c.store.Subscribe(ctx, st.sessionID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	from := time.Time{}
	if !st.lastAt.IsZero() {
		from = st.lastAt.Add(-replayOverlap)
	}
	replayed := 0
	err = c.since(ctx, st.sessionID, from, func(rec *domain.SignalRecord) {
		replayed++
		c.accept(st, rec)
	})
	if err != nil {
		_ = sub.Close()
		tracing.RecordError(ctx, err)
		return nil, err
	}

	c.logger.Infow("relay feed restored", "session_id", st.sessionID, "replayed", replayed)
	return sub, nil
}

func (c *relayClient) accept(st *feedState, rec *domain.SignalRecord) {
	if rec == nil || rec.SessionID != st.sessionID {
		return
	}
	if rec.CreatedAt.After(st.lastAt) {
		st.lastAt = rec.CreatedAt
	}
	if rec.ID != "" && !st.seen.Add(rec.ID, struct{}{}) {
		return
	}
	if st.predicate != nil && !st.predicate(rec) {
		return
	}
	if err := rec.Validate(); err != nil {
		c.metrics.RecordSignalDropped("malformed")
		c.logger.Warnw("dropping malformed signal", "session_id", st.sessionID, "record_id", rec.ID, "error", err)
		return
	}

	c.metrics.RecordSignalReceived(rec.SenderType, rec.SignalType)
	st.queue = append(st.queue, rec)
}

func classifyRelayError(err error) error {
	if errors.Is(err, domain.ErrMalformedSignal) || errors.Is(err, domain.ErrRelayUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrRelayUnavailable, err)
}
