// Package ipcache implements the pool's per-IP connection-rate
// limiter: a fixed-window counter backed by Redis when configured,
// falling back to an in-process map so the pool can still run
// standalone without a Redis dependency.
package ipcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a new connection attempt from an IP should
// be allowed under the configured rate.
type Limiter interface {
	Allow(ctx context.Context, ip string) (bool, error)
	Close() error
}

// RedisLimiter tracks per-IP connection counts in Redis with an
// INCR-then-EXPIRE fixed window, grounded on the same connection
// setup (pool size, timeouts, startup ping) the source Redis cache
// client used.
type RedisLimiter struct {
	client       *redis.Client
	keyPrefix    string
	window       time.Duration
	maxPerWindow int64
}

// NewRedisLimiter dials addr and verifies connectivity before
// returning, so a misconfigured Redis is caught at startup rather than
// on the first connection attempt.
func NewRedisLimiter(addr, password string, db int, window time.Duration, maxPerWindow int64) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     50,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}

	return &RedisLimiter{
		client:       client,
		keyPrefix:    "ipcache:conn:",
		window:       window,
		maxPerWindow: maxPerWindow,
	}, nil
}

// Allow increments ip's counter for the current window, setting the
// window's expiry only when the increment returns 1, and reports
// whether the count is still within the configured limit.
func (l *RedisLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	key := l.keyPrefix + ip

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr rate key: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("set rate key expiry: %w", err)
		}
	}

	return count <= l.maxPerWindow, nil
}

// Close releases the underlying Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// MemoryLimiter is the in-process fallback used when no Redis address
// is configured: one fixed window counter per IP, lazily reset once
// its window has elapsed.
type MemoryLimiter struct {
	mu           sync.Mutex
	window       time.Duration
	maxPerWindow int64
	counters     map[string]*windowCounter
}

type windowCounter struct {
	count      int64
	windowEnds time.Time
}

// NewMemoryLimiter builds an in-process Limiter.
func NewMemoryLimiter(window time.Duration, maxPerWindow int64) *MemoryLimiter {
	return &MemoryLimiter{
		window:       window,
		maxPerWindow: maxPerWindow,
		counters:     make(map[string]*windowCounter),
	}
}

// Allow increments ip's in-process counter, resetting it if the
// previous window has elapsed.
func (l *MemoryLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	counter, exists := l.counters[ip]
	if !exists || now.After(counter.windowEnds) {
		counter = &windowCounter{count: 0, windowEnds: now.Add(l.window)}
		l.counters[ip] = counter
	}
	counter.count++

	return counter.count <= l.maxPerWindow, nil
}

// Close is a no-op for MemoryLimiter, satisfying the Limiter interface.
func (l *MemoryLimiter) Close() error { return nil }

// New returns a RedisLimiter when addr is non-empty, otherwise a
// MemoryLimiter, so callers can configure rate limiting the same way
// regardless of whether Redis is deployed alongside the pool.
func New(addr, password string, db int, window time.Duration, maxPerWindow int64) (Limiter, error) {
	if addr == "" {
		return NewMemoryLimiter(window, maxPerWindow), nil
	}
	return NewRedisLimiter(addr, password, db, window, maxPerWindow)
}
