package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/screening/screening/internal/platform/auth"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// KeyFunc picks the bucket for a request. Defaults to client IP, prefixed
	// with the org for authenticated staff requests.
	KeyFunc func(c echo.Context) string
	// IdleTTL evicts limiters unused for this long.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
}

func clientKey(c echo.Context) string {
	if org := auth.OrgIDFromContext(c.Request().Context()); org != "" {
		return org + ":" + c.RealIP()
	}
	return c.RealIP()
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	swept   time.Time
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 && now.Sub(s.swept) > s.ttl {
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.swept = now
	}

	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// RateLimit applies a token bucket per key.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientKey
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	store := &limiterStore{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.BurstSize,
		ttl:     cfg.IdleTTL,
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			lim := store.get(cfg.KeyFunc(c), now)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			r := lim.ReserveN(now, 1)
			if !r.OK() {
				h.Set("Retry-After", "1")
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			if delay := r.DelayFrom(now); delay > 0 {
				r.CancelAt(now)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
