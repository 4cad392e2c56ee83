package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, resource, id string) (bool, error)
}

// RedisLimiter is a fixed-window limiter shared across processes.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit requests per window for each key.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts one request and reports whether it fits the window.
func (l *RedisLimiter) Allow(ctx context.Context, resource, id string) (bool, error) {
	key := fmt.Sprintf("%s:rl:%s:%s", l.prefix, resource, id)
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n <= int64(l.limit), nil
}

// MemoryLimiter is a fixed-window limiter for a single process.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string]memWindow
}

type memWindow struct {
	start time.Time
	count int
}

// NewMemoryLimiter allows limit requests per window for each key.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, windows: make(map[string]memWindow)}
}

// Allow counts one request and reports whether it fits the window.
func (l *MemoryLimiter) Allow(_ context.Context, resource, id string) (bool, error) {
	key := resource + ":" + id
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if now.Sub(w.start) >= l.window {
		w = memWindow{start: now}
		for k, old := range l.windows {
			if now.Sub(old.start) >= l.window {
				delete(l.windows, k)
			}
		}
	}
	w.count++
	l.windows[key] = w
	return w.count <= l.limit, nil
}
