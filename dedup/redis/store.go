// Package redis implements dedup.Store on Redis with SET NX PX.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/courier/dedup"
	"github.com/redis/go-redis/v9"
)

// Store keeps keys in Redis, optionally under a prefix.
type Store struct {
	client redis.Cmdable
	prefix string
}

var _ dedup.Store = (*Store)(nil)

func New(client redis.Cmdable, prefix string) *Store {
	if client == nil {
		panic("you must provide a redis client")
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("could not acquire key '%s': %w", key, err)
	}
	return ok, nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("could not release key '%s': %w", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("could not look up key '%s': %w", key, err)
	}
	return n > 0, nil
}
