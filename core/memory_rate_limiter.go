package core

import (
	"context"
	"sync"
	"time"
)

type MemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	count     int
	windowEnd time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		now:     time.Now,
		windows: make(map[string]*fixedWindow),
	}
}

func (r *MemoryRateLimiter) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	fw, exists := r.windows[key]

	if !exists || now.After(fw.windowEnd) {
		r.prune(now)
		r.windows[key] = &fixedWindow{
			count:     1,
			windowEnd: now.Add(window),
		}
		return nil
	}

	if fw.count >= limit {
		return ErrRateLimitExceeded
	}

	fw.count++
	return nil
}

// prune drops finished windows so one-off client addresses do not accumulate.
func (r *MemoryRateLimiter) prune(now time.Time) {
	for k, fw := range r.windows {
		if now.After(fw.windowEnd) {
			delete(r.windows, k)
		}
	}
}
