// Package sequence provides the per-key counters that number monitor
// aggregates. Every key must have exactly one writer.
package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store hands out gap-free indices per key, starting at 0
type Store interface {
	// Next returns the current counter for key and increments it
	Next(ctx context.Context, key int) (uint64, error)
	// Close releases any connection held by the store
	Close() error
}

// MemoryStore keeps counters in process memory
type MemoryStore struct {
	mu       sync.Mutex
	counters map[int]uint64
}

// NewMemoryStore creates an empty in-memory counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[int]uint64)}
}

// Next returns the next index for key
func (s *MemoryStore) Next(_ context.Context, key int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.counters[key]
	s.counters[key] = n + 1
	return n, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// RedisStore keeps counters in Redis so indices survive restarts
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are "<prefix>:<key>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "videogrid:seq"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL, checks the connection and returns a store
func DialRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStore(client, prefix), nil
}

// Next increments the key's counter and returns the value before the increment
func (s *RedisStore) Next(ctx context.Context, key int) (uint64, error) {
	n, err := s.client.Incr(ctx, s.keyFor(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %d: %w", key, err)
	}
	return uint64(n - 1), nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) keyFor(key int) string {
	return fmt.Sprintf("%s:%d", s.prefix, key)
}
