// ratelimit.go enforces per-client request limits. Two limiter backends
// share one interface: a Redis-backed GCRA limiter for deployments already
// running the redis store backend (limits shared across replicas), and an
// in-process token bucket for everything else.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	redis_rate "github.com/go-redis/redis_rate/v10"
	goredis "github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request from key is allowed right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
}

// RedisLimiter enforces limits through redis_rate's GCRA implementation, so
// every replica pointed at the same Redis shares one budget per client.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter builds a shared limiter on an existing Redis client,
// typically the one the redis store backend already holds.
func NewRedisLimiter(client *goredis.Client, perMinute, burst int) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   perMinute,
			Burst:  burst,
			Period: time.Minute,
		},
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	res, err := l.limiter.Allow(ctx, "ratelimit:"+key, l.limit)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.Remaining, nil
}

// MemoryLimiter is a per-process token bucket. Each client key gets a bucket
// of burst tokens refilled at perMinute/60 tokens per second. Suitable for
// single-instance deployments only; replicas do not share buckets.
type MemoryLimiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter builds an in-process limiter and starts its stale-bucket
// sweeper.
func NewMemoryLimiter(perMinute, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*bucket),
		stopCh:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// sweep drops buckets idle long enough to have fully refilled anyway.
func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, b := range l.buckets {
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop terminates the sweeper goroutine.
func (l *MemoryLimiter) Stop() {
	close(l.stopCh)
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.burst) - 1, lastUpdate: now}
		return true, l.burst - 1, nil
	}

	refill := now.Sub(b.lastUpdate).Seconds() * float64(l.perMinute) / 60.0
	b.tokens = min(float64(l.burst), b.tokens+refill)
	b.lastUpdate = now

	if b.tokens < 1 {
		return false, 0, nil
	}
	b.tokens--
	return true, int(b.tokens), nil
}

// RateLimit applies limiter per client key and answers 429 with a
// Retry-After when the budget is exhausted. A failing limiter backend fails
// open with a log signal: shedding all traffic because Redis blipped would
// be a worse outage than briefly not limiting.
func RateLimit(limiter Limiter, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c)

		allowed, remaining, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, failing open", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			return
		}
		c.Next()
	}
}

// rateLimitKey buckets by authenticated identity when present, falling back
// to client IP for anonymous traffic.
func rateLimitKey(c *gin.Context) string {
	if id := CallerIdentity(c); id != "" {
		return "id:" + id
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
