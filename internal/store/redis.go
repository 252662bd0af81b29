// Package store provides the shared key-value Event Store backing task
// records, job records, progress events and sessions. Values are opaque
// JSON-serialized records with per-key TTL. Expiry is advisory: callers
// re-fetch before mutating and treat "not found" and "expired" identically.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
)

// Store is the key-value contract every core component shares.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
}

// RedisStore implements Store on a single redis client. The same client
// also carries the queue lanes and the progress pub/sub channels, so the
// worker pool and the fan-out loop are joined only through redis.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection for list and pub/sub primitives
// the plain key-value contract does not cover.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

// Keys scans for keys with the given prefix. SCAN is used rather than KEYS
// so a recovery sweep never blocks the server.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// casScript swaps a record only if its current bytes match the copy the
// caller read. KEEPTTL preserves the record's remaining lifetime.
var casScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
		return 1
	end
	return 0
`)

// CompareAndSwap atomically replaces old with new. Returns false when the
// record changed or vanished since the caller read it; exactly one of any
// number of racing callers wins.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{key}, old, new).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
