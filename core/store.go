package core

import (
	"context"
	"time"
)

// Store keeps one Record per token and deletes it once its TTL elapses.
//
// Get returns ErrNotFound for absent or expired tokens. Claim marks an unused
// record as used in a single atomic step and resets its TTL; it returns
// ErrNotFound if the token is gone and ErrUsed if another claim won.
type Store interface {
	Put(ctx context.Context, token string, rec Record, ttl time.Duration) error
	Get(ctx context.Context, token string) (*Record, error)
	Delete(ctx context.Context, token string) error
	Claim(ctx context.Context, token string, c Claim, ttl time.Duration) (*Record, error)
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
