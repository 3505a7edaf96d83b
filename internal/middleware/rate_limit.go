package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ComUnity/abuse-gateway/internal/client"
	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// LimitDecision is the outcome of one TryAcquire. Denial is a normal result.
type LimitDecision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
	// Degraded is set when the backing store failed and the request was let through.
	Degraded bool
}

type LimiterStats struct {
	Mode      string `json:"mode"`
	Capacity  int    `json:"capacity"`
	WindowMS  int64  `json:"window_ms"`
	Keys      int    `json:"keys"`
	MaxKeys   int    `json:"max_keys,omitempty"`
	Evictions uint64 `json:"evictions"`
	Denied    uint64 `json:"denied"`
	Degraded  uint64 `json:"degraded,omitempty"`
}

// WindowLimiter is a fixed-window counter keyed by an arbitrary string.
type WindowLimiter interface {
	TryAcquire(ctx context.Context, key string) LimitDecision
	Stats(ctx context.Context) LimiterStats
}

type LimiterConfig struct {
	Capacity int
	Window   time.Duration
	// MaxKeys bounds the in-memory map; 0 means unbounded.
	MaxKeys int
}

func (c *LimiterConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 30
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

// RateLimiterState holds the per-instance counters. Construct one per guarded
// endpoint and inject it; counts are exact within this process only, so N
// instances admit up to N x Capacity requests per window.
type RateLimiterState struct {
	mu       sync.Mutex
	cfg      LimiterConfig
	counters map[string]*models.RateLimitCounter
	now      func() time.Time

	evictions atomic.Uint64
	denied    atomic.Uint64
}

func NewRateLimiterState(cfg LimiterConfig) *RateLimiterState {
	cfg.applyDefaults()
	return &RateLimiterState{
		cfg:      cfg,
		counters: make(map[string]*models.RateLimitCounter),
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *RateLimiterState) WithClock(now func() time.Time) *RateLimiterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *RateLimiterState) TryAcquire(_ context.Context, key string) LimitDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.WindowResetAt) {
		if !ok && s.cfg.MaxKeys > 0 && len(s.counters) >= s.cfg.MaxKeys {
			s.evictLocked(now)
		}
		if !ok {
			c = &models.RateLimitCounter{Key: key}
			s.counters[key] = c
		}
		c.Count = 1
		c.WindowResetAt = now.Add(s.cfg.Window)
		return LimitDecision{Allowed: true, Remaining: s.cfg.Capacity - 1, ResetIn: s.cfg.Window, Limit: s.cfg.Capacity}
	}

	resetIn := c.WindowResetAt.Sub(now)
	if c.Count < s.cfg.Capacity {
		c.Count++
		return LimitDecision{Allowed: true, Remaining: s.cfg.Capacity - c.Count, ResetIn: resetIn, Limit: s.cfg.Capacity}
	}
	s.denied.Add(1)
	return LimitDecision{Allowed: false, Remaining: 0, ResetIn: resetIn, Limit: s.cfg.Capacity}
}

// evictLocked frees room for one key: stale windows go first, otherwise the
// entry closest to its reset is dropped.
func (s *RateLimiterState) evictLocked(now time.Time) {
	if n := s.sweepLocked(now); n > 0 {
		return
	}
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, c := range s.counters {
		if !found || c.WindowResetAt.Before(oldest) {
			oldestKey, oldest, found = k, c.WindowResetAt, true
		}
	}
	if found {
		delete(s.counters, oldestKey)
		s.evictions.Add(1)
	}
}

func (s *RateLimiterState) sweepLocked(now time.Time) int {
	n := 0
	for k, c := range s.counters {
		if !now.Before(c.WindowResetAt) {
			delete(s.counters, k)
			n++
		}
	}
	if n > 0 {
		s.evictions.Add(uint64(n))
	}
	return n
}

// Sweep removes counters whose window has elapsed and returns how many went.
func (s *RateLimiterState) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *RateLimiterState) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.Window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					logger.Debugf("rate limiter swept %d stale keys", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *RateLimiterState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *RateLimiterState) Stats(context.Context) LimiterStats {
	return LimiterStats{
		Mode:      "memory",
		Capacity:  s.cfg.Capacity,
		WindowMS:  s.cfg.Window.Milliseconds(),
		Keys:      s.Len(),
		MaxKeys:   s.cfg.MaxKeys,
		Evictions: s.evictions.Load(),
		Denied:    s.denied.Load(),
	}
}

// RedisWindowLimiter shares the fixed window across instances. When Redis is
// unavailable it degrades open, as the in-process limiter would after a restart.
type RedisWindowLimiter struct {
	redis     *client.RedisClient
	cfg       LimiterConfig
	keyPrefix string

	denied   atomic.Uint64
	degraded atomic.Uint64
}

func NewRedisWindowLimiter(rc *client.RedisClient, cfg LimiterConfig, keyPrefix string) *RedisWindowLimiter {
	cfg.applyDefaults()
	if keyPrefix == "" {
		keyPrefix = "rl:"
	}
	return &RedisWindowLimiter{redis: rc, cfg: cfg, keyPrefix: keyPrefix}
}

func (l *RedisWindowLimiter) TryAcquire(ctx context.Context, key string) LimitDecision {
	count, ttl, err := l.redis.IncrementWindow(ctx, l.keyPrefix+key, l.cfg.Window)
	if err != nil {
		l.degraded.Add(1)
		logger.Warnw("rate limiter degraded open", "key", key, "error", err)
		return LimitDecision{Allowed: true, Remaining: l.cfg.Capacity - 1, ResetIn: l.cfg.Window, Limit: l.cfg.Capacity, Degraded: true}
	}
	if count > int64(l.cfg.Capacity) {
		l.denied.Add(1)
		return LimitDecision{Allowed: false, Remaining: 0, ResetIn: ttl, Limit: l.cfg.Capacity}
	}
	return LimitDecision{Allowed: true, Remaining: l.cfg.Capacity - int(count), ResetIn: ttl, Limit: l.cfg.Capacity}
}

func (l *RedisWindowLimiter) Stats(ctx context.Context) LimiterStats {
	st := LimiterStats{
		Mode:     "redis",
		Capacity: l.cfg.Capacity,
		WindowMS: l.cfg.Window.Milliseconds(),
		Denied:   l.denied.Load(),
		Degraded: l.degraded.Load(),
	}
	if n, err := l.redis.CountKeys(ctx, l.keyPrefix); err == nil {
		st.Keys = n
	}
	return st
}

// RateLimit guards next with limiter, keyed by keyFunc. Every response carries
// X-RateLimit-* headers; denials get 429 with Retry-After.
func RateLimit(limiter WindowLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.TryAcquire(r.Context(), keyFunc(r))

			resetSecs := ceilSeconds(d.ResetIn)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSecs))
			if d.Degraded {
				w.Header().Set("X-RateLimit-Degraded", "true")
			}

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(resetSecs))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":      "too_many_requests",
					"retryAfter": resetSecs,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
