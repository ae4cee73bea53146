/**
 * Redis-backed cache collaborators
 *
 * RedisStore is the shared L2 result store; RedisDuplicateIndex records
 * image hashes with SETNX so every worker replica sees the same signal.
 */

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resultKeyPrefix    = "questionprocess:result:"
	duplicateKeyPrefix = "questionprocess:seen:"
)

// RedisStore implements Store on a Redis server
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	client, err := connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, resultKeyPrefix+key, value, ttl).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RedisDuplicateIndex implements DuplicateIndex with SETNX and a TTL
type RedisDuplicateIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDuplicateIndex wraps client; ttl bounds how long a hash is remembered
func NewRedisDuplicateIndex(client *redis.Client, ttl time.Duration) *RedisDuplicateIndex {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisDuplicateIndex{client: client, ttl: ttl}
}

// Seen reports false when Redis is unreachable
func (d *RedisDuplicateIndex) Seen(ctx context.Context, image []byte) bool {
	created, err := d.client.SetNX(ctx, duplicateKeyPrefix+ImageHash(image), 1, d.ttl).Result()
	if err != nil {
		return false
	}
	return !created
}

// Client exposes the underlying connection for sharing
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
