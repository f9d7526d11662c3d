package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter bounds how many jobs may begin execution per time window.
type Limiter interface {
	// Allow reports whether one more job may start now. When denied it returns
	// how long to wait before asking again.
	Allow(ctx context.Context) (ok bool, retryAfter time.Duration, err error)
}

// RedisLimiter is a fixed-window limiter shared by all workers: at most max job
// starts per window, system-wide.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// NewRedisLimiter creates a system-wide fixed-window rate limiter.
func NewRedisLimiter(client *redis.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, prefix: prefix, max: max, window: window}
}

// Allow increments the current window's counter and admits the caller while the
// counter stays within max.
func (l *RedisLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now()
	bucket := now.UnixNano() / int64(l.window)
	key := l.prefix + ":rl:" + time.Unix(0, bucket*int64(l.window)).UTC().Format("20060102T150405.000")

	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		l.client.Expire(ctx, key, 2*l.window)
	}
	if n <= int64(l.max) {
		return true, 0, nil
	}
	nextWindow := time.Unix(0, (bucket+1)*int64(l.window))
	return false, time.Until(nextWindow), nil
}

// WindowLimiter is an in-process sliding-window limiter with the same contract
// as RedisLimiter, for single-process deployments and tests.
type WindowLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	starts []time.Time
	now    func() time.Time
}

// NewWindowLimiter creates an in-process limiter admitting max starts per window.
func NewWindowLimiter(max int, window time.Duration) *WindowLimiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = time.Second
	}
	return &WindowLimiter{max: max, window: window, now: time.Now}
}

// Allow admits the caller if fewer than max starts happened in the trailing window.
func (l *WindowLimiter) Allow(_ context.Context) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.starts = kept

	if len(l.starts) < l.max {
		l.starts = append(l.starts, now)
		return true, 0, nil
	}
	return false, l.starts[0].Add(l.window).Sub(now), nil
}
