package core

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps records in process memory. Expired entries are invisible
// to Get immediately and are swept by the cache janitor.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(time.Minute)
}

// NewMemoryStoreWithCleanup sets how often the janitor purges expired records.
func NewMemoryStoreWithCleanup(interval time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, interval),
	}
}

func (s *MemoryStore) Put(_ context.Context, token string, rec Record, ttl time.Duration) error {
	rec.Metadata = maps.Clone(rec.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(token, rec, ttl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (*Record, error) {
	v, ok := s.cache.Get(token)
	if !ok {
		return nil, ErrNotFound
	}
	rec := v.(Record)
	rec.Metadata = maps.Clone(rec.Metadata)
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(token)
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, token string, c Claim, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(token)
	if !ok {
		return nil, ErrNotFound
	}
	rec := v.(Record)
	if rec.Used {
		return nil, ErrUsed
	}
	rec = rec.claimed(c)
	s.cache.Set(token, rec, ttl)
	rec.Metadata = maps.Clone(rec.Metadata)
	return &rec, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close drops every record.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
