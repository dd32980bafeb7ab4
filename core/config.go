package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

type ManagerOptions struct {
	Backend string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	SQLDriver     string
	SQLDSN        string
	SweepInterval time.Duration

	ValidityWindow   time.Duration
	PostUseRetention time.Duration
	RateLimit        int
	RateWindow       time.Duration

	Logger *slog.Logger
}

var openSQL = OpenSQL

func closeSQL(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func NewManager() (*Manager, error) {
	return NewManagerWithOptions(context.Background(), ManagerOptions{})
}

// NewManagerWithOptions builds the store and rate limiter for opts.Backend.
// The Redis backend is pinged once so misconfiguration fails at startup.
func NewManagerWithOptions(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	var store Store
	var rateLimiter RateLimiter

	switch opts.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		store = NewRedisStore(client, opts.RedisKeyPrefix)
		if opts.RateLimit > 0 {
			rateLimiter = NewRedisRateLimiter(client, "")
		}
	case BackendSQL:
		db, err := openSQL(opts.SQLDriver, opts.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
		sqlStore, err := NewSQLStore(db, SQLStoreOptions{
			SweepInterval: opts.SweepInterval,
			Logger:        opts.Logger,
		})
		if err != nil {
			closeSQL(db)
			return nil, err
		}
		store = sqlStore
	case BackendMemory, "":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}

	if rateLimiter == nil && opts.RateLimit > 0 {
		rateLimiter = NewMemoryRateLimiter()
	}

	rateWindow := opts.RateWindow
	if rateWindow == 0 && opts.RateLimit > 0 {
		rateWindow = time.Minute
	}

	cfg := Config{
		Store:            store,
		ValidityWindow:   opts.ValidityWindow,
		PostUseRetention: opts.PostUseRetention,
		RateLimiter:      rateLimiter,
		RateLimit:        opts.RateLimit,
		RateWindow:       rateWindow,
		Logger:           opts.Logger,
	}
	return newManager(cfg)
}

// New wires a Manager around an already constructed store.
func New(cfg Config) (*Manager, error) {
	return newManager(cfg)
}
