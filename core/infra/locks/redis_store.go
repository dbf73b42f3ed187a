package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store provides exclusive TTL locks used to serialize scheduler work on a
// run. Locks are advisory; the workflow store's compare-and-set transitions
// remain the correctness backstop.
type Store struct {
	client *redis.Client
	owner  string
}

// NewRedisLockStore connects a lock store. owner identifies this process in
// lock values so a holder only releases its own locks.
func NewRedisLockStore(url, owner string) (*Store, error) {
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
	if owner == "" {
		owner = "loom"
	}
	return &Store{client: client, owner: owner}, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// TryAcquire attempts to take the lock. Returns false without error when the
// lock is held elsewhere.
func (s *Store) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	if resource == "" {
		return false, fmt.Errorf("resource required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return s.client.SetNX(ctx, lockKey(resource), s.owner, ttl).Result()
}

// Release drops the lock if this process still holds it.
func (s *Store) Release(ctx context.Context, resource string) error {
	if resource == "" {
		return fmt.Errorf("resource required")
	}
	return releaseScript.Run(ctx, s.client, []string{lockKey(resource)}, s.owner).Err()
}

// Renew extends a held lock's TTL. Returns false when the lock was lost.
func (s *Store) Renew(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	if resource == "" {
		return false, fmt.Errorf("resource required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	n, err := renewScript.Run(ctx, s.client, []string{lockKey(resource)}, s.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

func lockKey(resource string) string {
	return "loom:lock:" + resource
}
