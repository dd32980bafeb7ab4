package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimAttempts = 3

// claimScript swaps in the claimed record only if the stored value is still
// the exact value the claimer read.
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then return 0 end
if cur ~= ARGV[1] then return -1 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

var errClaimConflict = errors.New("claim conflict")

type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "dl-token:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(token string) string {
	return fmt.Sprintf("%s%s", s.keyPrefix, token)
}

func (s *RedisStore) Put(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(token), raw, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, token string) (*Record, error) {
	_, rec, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) load(ctx context.Context, token string) (string, *Record, error) {
	val, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return "", nil, fmt.Errorf("decode record: %w", err)
	}
	return val, &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

// Claim retries when a concurrent write lands between the read and the swap;
// a racing claim that won shows up as ErrUsed on the next attempt.
func (s *RedisStore) Claim(ctx context.Context, token string, c Claim, ttl time.Duration) (*Record, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		rec, err := s.claimOnce(ctx, token, c, ttl)
		if errors.Is(err, errClaimConflict) {
			continue
		}
		return rec, err
	}
	return nil, fmt.Errorf("claim %s: %w after %d attempts", token, errClaimConflict, claimAttempts)
}

func (s *RedisStore) claimOnce(ctx context.Context, token string, c Claim, ttl time.Duration) (*Record, error) {
	cur, rec, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Used {
		return nil, ErrUsed
	}
	next := rec.claimed(c)
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}

	res, err := claimScript.Run(ctx, s.client, []string{s.key(token)}, cur, raw, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	switch res {
	case 0:
		return nil, ErrNotFound
	case -1:
		return nil, errClaimConflict
	default:
		return &next, nil
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
