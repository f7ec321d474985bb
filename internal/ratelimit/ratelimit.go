package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// IPLimiter tracks request counts per IP within a sliding window.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	swept   time.Time
}

// NewIPLimiter creates an IPLimiter allowing max requests per window.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
	}
}

// Allow returns true if the IP has not exceeded the rate limit.
// If allowed, the request is recorded.
func (l *IPLimiter) Allow(_ context.Context, ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	if now.Sub(l.swept) >= l.window {
		l.sweep(cutoff)
		l.swept = now
	}

	timestamps := l.entries[ip]
	// Remove expired entries
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		if len(valid) == 0 {
			delete(l.entries, ip)
		} else {
			l.entries[ip] = valid
		}
		return false
	}

	l.entries[ip] = append(valid, now)
	return true
}

// sweep drops IPs whose newest request is older than cutoff. Must be
// called while holding mu.
func (l *IPLimiter) sweep(cutoff time.Time) {
	for ip, timestamps := range l.entries {
		if len(timestamps) == 0 || !timestamps[len(timestamps)-1].After(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// Len returns the number of IPs currently tracked.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RedisLimiter counts requests per key in fixed windows stored in Redis,
// so several server processes share one budget per client.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	max    int64
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter allowing max requests per window.
func NewRedisLimiter(client redis.Cmdable, prefix string, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		max:    int64(max),
		window: window,
	}
}

func (l *RedisLimiter) key(k string, now time.Time) string {
	slot := now.UnixNano() / int64(l.window)
	return "ratelimit:" + l.prefix + ":" + k + ":" + strconv.FormatInt(slot, 10)
}

// Allow increments the key's counter for the current window. Redis
// failures let the request through.
func (l *RedisLimiter) Allow(ctx context.Context, k string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	key := l.key(k, time.Now())
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		zap.L().Warn("ratelimit: redis incr failed, allowing request", zap.String("key", key), zap.Error(err))
		return true
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			zap.L().Warn("ratelimit: redis expire failed", zap.String("key", key), zap.Error(err))
		}
	}
	return n <= l.max
}
