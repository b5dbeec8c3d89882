package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrLimiterUnavailable is returned when the shared limiter backend cannot answer.
var ErrLimiterUnavailable = errors.New("rate limiter backend unavailable")

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter decides whether one more request for key fits in the quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// LocalLimiterConfig defines an in-process token bucket per key.
type LocalLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// LocalLimiter keeps one token bucket per key in memory.
type LocalLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(cfg LocalLimiterConfig) *LocalLimiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &LocalLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// Allow takes one token from the key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	now := l.now()
	decision := Decision{Limit: l.burst}
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return decision, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		decision.RetryAfter = delay
		decision.Reset = now.Add(delay)
		return decision, nil
	}

	decision.Allowed = true
	remaining := int(bucket.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	decision.Remaining = remaining
	decision.Reset = now.Add(time.Duration(float64(l.burst-remaining) / float64(l.limit) * float64(time.Second)))
	return decision, nil
}

// Keys returns the number of tracked buckets.
func (l *LocalLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RedisLimiterConfig defines a fixed-window quota shared through Redis.
type RedisLimiterConfig struct {
	Limit     int
	Window    time.Duration
	KeyPrefix string
}

// RedisLimiter counts requests per window in Redis so every gateway replica
// shares one quota.
type RedisLimiter struct {
	client    redis.UniversalClient
	limit     int
	window    time.Duration
	keyPrefix string
	now       func() time.Time
	closeOnce sync.Once
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, cfg RedisLimiterConfig) *RedisLimiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gateway:ratelimit:"
	}
	return &RedisLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: prefix,
		now:       time.Now,
	}
}

// Allow increments the counter of the current window.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	windowStart := now.Truncate(r.window)
	reset := windowStart.Add(r.window)
	fullKey := r.keyPrefix + key + ":" + strconv.FormatInt(windowStart.UnixNano(), 10)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, fullKey)
		pipe.PExpireAt(ctx, fullKey, reset.Add(r.window))
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	count := int(incr.Val())
	decision := Decision{
		Allowed: count <= r.limit,
		Limit:   r.limit,
		Reset:   reset,
	}
	if decision.Allowed {
		decision.Remaining = r.limit - count
	} else {
		decision.RetryAfter = reset.Sub(now)
	}
	return decision, nil
}

// Close closes the Redis client. Safe to call more than once.
func (r *RedisLimiter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.client.Close()
	})
	return err
}

// RateLimitHeaders returns the standard quota headers for a decision.
func RateLimitHeaders(d Decision) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
	return h
}
