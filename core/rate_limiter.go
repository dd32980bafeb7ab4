package core

import (
	"context"
	"time"
)

// RateLimiter counts attempts per key inside a fixed window.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) error
}
