package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * time.Second
)

// releaseScript deletes the lock only when the caller still owns it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisStore implements Store with owner-tokened SET NX locks.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store from a URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, sharing its connection pool.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire takes the lock for owner when it is free, refreshing the TTL when
// the same owner re-acquires.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ok, err := s.client.SetNX(ctx, lockKey(resource), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	current, err := s.client.Get(ctx, lockKey(resource)).Result()
	if err == redis.Nil {
		// Expired between SetNX and Get; let the caller retry.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current == owner {
		if err := s.client.Expire(ctx, lockKey(resource), ttl).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Release frees the lock when the caller still owns it. Releasing a lock held
// by another owner is a no-op.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return fmt.Errorf("resource and owner required")
	}
	return s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Err()
}

func lockKey(resource string) string {
	return "hay:lock:" + resource
}
