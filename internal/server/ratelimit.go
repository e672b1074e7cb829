package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RateLimitConfig tunes the global bucket and the per-IP window applied to
// the ingest-authorization callback. When RedisAddr is set, the per-IP window
// is shared across replicas via a Redis fixed-window counter.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	IngestLimit   int
	IngestWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global       *tokenBucket
	ingestLimit  int
	ingestWindow time.Duration
	store        windowStore

	mu      sync.Mutex
	buckets map[string]*ipLimiter
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		ingestLimit:  cfg.IngestLimit,
		ingestWindow: cfg.IngestWindow,
		buckets:      make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.ingestWindow <= 0 {
		rl.ingestWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.ingestLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisWindowStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowIngestAuth(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.ingestLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("driftcast:ingestauth:%s", key), r.ingestLimit, r.ingestWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.mu.Lock()
	limiter, exists := r.buckets[key]
	if !exists {
		rate := float64(r.ingestLimit) / r.ingestWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.ingestWindow.Seconds()
		}
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.ingestLimit)}
		r.buckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.buckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.ingestWindow)
	for key, limiter := range r.buckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

type redisWindowStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisWindowStore(addr, password string, timeout time.Duration) *redisWindowStore {
	return &redisWindowStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}),
		timeout: timeout,
	}
}

func (s *redisWindowStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
