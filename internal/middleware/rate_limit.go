package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	LimiterTTL           = 10 * time.Minute
)

// RateDecision is the outcome of one rate limit check
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a token bucket per key (collector subject or client IP)
type RateLimiter struct {
	perMinute int
	limit     rate.Limit
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiterWithConfig creates a RateLimiter allowing requestsPerMinute
// with bursts of burstSize. Idle buckets are evicted in the background until Stop.
func NewRateLimiterWithConfig(requestsPerMinute, burstSize int) *RateLimiter {
	rl := &RateLimiter{
		perMinute: requestsPerMinute,
		limit:     rate.Limit(float64(requestsPerMinute) / 60),
		burst:     burstSize,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		stop:      make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Check takes one token from key's bucket if one is available
func (r *RateLimiter) Check(key string) RateDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return RateDecision{Allowed: true, Remaining: int(math.Max(0, b.limiter.TokensAt(now)))}
	}

	// Reserve to learn the wait, then give the token back
	res := b.limiter.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return RateDecision{RetryAfter: wait}
}

func (r *RateLimiter) sweep() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictStale(r.now())
		case <-r.stop:
			return
		}
	}
}

func (r *RateLimiter) evictStale(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) > LimiterTTL {
			delete(r.buckets, key)
		}
	}
}

// Stop ends background eviction. Safe to call more than once.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// RateLimitMiddleware limits requests per authenticated collector, falling
// back to the client IP for anonymous callers
func RateLimitMiddleware(rl *RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if subject := GetSubject(c); subject != "" {
				key = "sub:" + subject
			}

			d := rl.Check(key)
			header := c.Response().Header()
			header.Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
			header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				return next(c)
			}

			seconds := retryAfterSeconds(d.RetryAfter)
			header.Set("Retry-After", strconv.Itoa(seconds))
			log.Warn().Str("key", key).Int("retry_after", seconds).Msg("Rate limit exceeded")
			return rateLimitError(c, seconds)
		}
	}
}

// retryAfterSeconds rounds up to whole seconds, at least 1
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
