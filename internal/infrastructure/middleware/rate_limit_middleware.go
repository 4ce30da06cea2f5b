package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"peerlink/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore keeps one limiter per client key and forgets idle ones.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastSweep time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits requests per client IP and session.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		key := clientIP(c.Request) + "|" + c.Param("session_id")
		if !store.getLimiter(key).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// FeedLimiter bounds live feed connections and the rate records are pushed
// down each of them.
type FeedLimiter struct {
	enabled bool
	rps     rate.Limit
	burst   int
	sem     chan struct{}
}

func NewFeedLimiter(cfg *config.Config) *FeedLimiter {
	fl := &FeedLimiter{
		enabled: cfg.RateLimiting.Enabled,
		rps:     rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond),
		burst:   cfg.RateLimiting.WebSocket.Burst,
	}
	if fl.enabled && cfg.RateLimiting.WebSocket.MaxConcurrent > 0 {
		fl.sem = make(chan struct{}, cfg.RateLimiting.WebSocket.MaxConcurrent)
	}
	return fl
}

// Acquire reserves a connection slot. The returned release must be called
// once the feed ends.
func (fl *FeedLimiter) Acquire() (release func(), ok bool) {
	if fl == nil || fl.sem == nil {
		return func() {}, true
	}
	select {
	case fl.sem <- struct{}{}:
		return func() { <-fl.sem }, true
	default:
		return nil, false
	}
}

// NewMessageLimiter returns the per-connection push limiter, or nil when
// rate limiting is off.
func (fl *FeedLimiter) NewMessageLimiter() *rate.Limiter {
	if fl == nil || !fl.enabled {
		return nil
	}
	return rate.NewLimiter(fl.rps, fl.burst)
}
