package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/fault"
)

const keyPrefix = "helios:kv:"

// RedisStore is the shared Store for multi-replica deployments. Usage
// accounting lives in a per-project counter updated alongside each write.
type RedisStore struct {
	client *redis.Client
	// QuotaFor returns the byte quota for a project; zero means unlimited.
	QuotaFor func(projectID string) int64
}

// NewRedisStore connects a Store to Redis.
func NewRedisStore(cfg config.RedisConfig, quotaFor func(projectID string) int64) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, QuotaFor: quotaFor}
}

func dataKey(projectID, key string) string {
	return keyPrefix + projectID + ":" + key
}

func usageKey(projectID string) string {
	return keyPrefix + projectID + ":__bytes"
}

func (s *RedisStore) Get(ctx context.Context, projectID, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, dataKey(projectID, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindStorageUnavailable, "kv get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, projectID, key string, value []byte, ttl time.Duration) error {
	dk := dataKey(projectID, key)

	prev, err := s.client.StrLen(ctx, dk).Result()
	if err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, "kv set", err)
	}
	delta := int64(len(value)) - prev

	if quota := s.quota(projectID); quota > 0 && delta > 0 {
		used, err := s.client.Get(ctx, usageKey(projectID)).Int64()
		if err != nil && err != redis.Nil {
			return fault.Wrap(fault.KindStorageUnavailable, "kv set", err)
		}
		if used+delta > quota {
			return QuotaExceeded(projectID, quota)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dk, value, ttl)
	if delta != 0 {
		pipe.IncrBy(ctx, usageKey(projectID), delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, "kv set", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, projectID, key string) error {
	dk := dataKey(projectID, key)
	size, err := s.client.StrLen(ctx, dk).Result()
	if err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, "kv delete", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, dk)
	if size > 0 {
		pipe.DecrBy(ctx, usageKey(projectID), size)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(fault.KindStorageUnavailable, "kv delete", err)
	}
	return nil
}

func (s *RedisStore) Usage(ctx context.Context, projectID string) (int64, error) {
	used, err := s.client.Get(ctx, usageKey(projectID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Wrap(fault.KindStorageUnavailable, "kv usage", err)
	}
	return used, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) quota(projectID string) int64 {
	if s.QuotaFor == nil {
		return 0
	}
	return s.QuotaFor(projectID)
}
