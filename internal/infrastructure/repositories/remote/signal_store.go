// Package remote talks to a relay gateway over HTTP and a websocket feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	FeedBuffer     int
	PongTimeout    time.Duration
}

// SignalStore is the agent side of the relay gateway.
type SignalStore struct {
	base   *url.URL
	opts   Options
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*feed]struct{}
	closed bool
}

var _ ports.SignalStore = (*SignalStore)(nil)

func NewSignalStore(opts Options, logger *zap.SugaredLogger) (*SignalStore, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid relay url scheme %q", base.Scheme)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.FeedBuffer <= 0 {
		opts.FeedBuffer = 64
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}

	return &SignalStore{
		base:   base,
		opts:   opts,
		http:   &http.Client{Timeout: opts.RequestTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: opts.RequestTimeout},
		logger: logger,
		subs:   make(map[*feed]struct{}),
	}, nil
}

type appendRequest struct {
	SenderType domain.SenderRole `json:"sender_type"`
	SignalType domain.SignalKind `json:"signal_type"`
	SignalData json.RawMessage   `json:"signal_data"`
}

type listResponse struct {
	Signals []*domain.SignalRecord `json:"signals"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *SignalStore) sessionURL(sessionID domain.SessionID, suffix string) *url.URL {
	u := *s.base
	u.Path = s.base.Path + "/api/v1/sessions/" + url.PathEscape(string(sessionID)) + suffix
	return &u
}

func (s *SignalStore) Append(ctx context.Context, rec *domain.SignalRecord) (*domain.SignalRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.TraceStore(ctx, "remote", "append", string(rec.SessionID))
	defer span.End()

	body, err := json.Marshal(appendRequest{
		SenderType: rec.SenderType,
		SignalType: rec.SignalType,
		SignalData: rec.SignalData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal: %w", err)
	}

	var stored domain.SignalRecord
	status, err := s.do(ctx, http.MethodPost, s.sessionURL(rec.SessionID, "/signals"), body, &stored)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("unexpected append status %d", status)
	}
	return &stored, nil
}

func (s *SignalStore) Latest(ctx context.Context, filter ports.RecordFilter) (*domain.SignalRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "remote", "latest", string(filter.SessionID))
	defer span.End()

	u := s.sessionURL(filter.SessionID, "/signals/latest")
	q := u.Query()
	if filter.SenderType != "" {
		q.Set("sender_type", string(filter.SenderType))
	}
	if filter.SignalType != "" {
		q.Set("signal_type", string(filter.SignalType))
	}
	u.RawQuery = q.Encode()

	var rec domain.SignalRecord
	status, err := s.do(ctx, http.MethodGet, u, nil, &rec)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return &rec, nil
}

func (s *SignalStore) Since(ctx context.Context, sessionID domain.SessionID, after time.Time, limit int) ([]*domain.SignalRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "remote", "since", string(sessionID))
	defer span.End()

	u := s.sessionURL(sessionID, "/signals")
	q := u.Query()
	if !after.IsZero() {
		q.Set("after", after.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	var resp listResponse
	if _, err := s.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return resp.Signals, nil
}

// Subscribe returns after the websocket handshake. The gateway subscribes to
// its store before upgrading, so appends made afterwards reach the feed.
func (s *SignalStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrRelayClosed
	}
	s.mu.Unlock()

	u := s.sessionURL(sessionID, "/feed")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open feed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}

	f := &feed{
		store:     s,
		sessionID: sessionID,
		conn:      conn,
		out:       make(chan *domain.SignalRecord, s.opts.FeedBuffer),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, domain.ErrRelayClosed
	}
	s.subs[f] = struct{}{}
	s.mu.Unlock()

	go f.pump(ctx)
	return f, nil
}

func (s *SignalStore) Ping(ctx context.Context) error {
	u := *s.base
	u.Path = s.base.Path + "/health"
	_, err := s.do(ctx, http.MethodGet, &u, nil, nil)
	return err
}

func (s *SignalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := make([]*feed, 0, len(s.subs))
	for f := range s.subs {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		_ = f.Close()
	}
	s.http.CloseIdleConnections()
	return nil
}

func (s *SignalStore) forget(f *feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, f)
}

// do sends a request and decodes a 2xx body into out. Client errors that
// describe the payload map to ErrMalformedSignal.
func (s *SignalStore) do(ctx context.Context, method string, u *url.URL, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode relay response: %w", err)
		}
		return resp.StatusCode, nil
	}

	var apiErr errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return resp.StatusCode, fmt.Errorf("%w: %s", domain.ErrMalformedSignal, apiErr.Message)
	default:
		return resp.StatusCode, fmt.Errorf("relay returned %d %s: %s", resp.StatusCode, apiErr.Error, apiErr.Message)
	}
}

type feed struct {
	store     *SignalStore
	sessionID domain.SessionID
	conn      *websocket.Conn
	out       chan *domain.SignalRecord
	closeOnce sync.Once
}

func (f *feed) Records() <-chan *domain.SignalRecord {
	return f.out
}

func (f *feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.conn.Close()
		f.store.forget(f)
	})
	return err
}

func (f *feed) pump(ctx context.Context) {
	defer close(f.out)
	defer f.Close()

	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	pongTimeout := f.store.opts.PongTimeout
	_ = f.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	f.conn.SetPingHandler(func(data string) error {
		_ = f.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return f.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var rec domain.SignalRecord
		if err := f.conn.ReadJSON(&rec); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.store.logger.Infow("relay feed dropped", "session_id", f.sessionID, "error", err)
			}
			return
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		select {
		case f.out <- &rec:
		default:
			f.store.logger.Warnw("feed consumer fell behind, ending feed", "session_id", f.sessionID)
			return
		}
	}
}
