// Package unread maintains per-(user, conversation) unread message
// counters. Increments are emitted to clients as deltas and resets as
// an absolute zero, so a reset always wins over in-flight deltas.
package unread

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 5 * time.Second

type CounterStore interface {
	// Incr adds one to the counter and returns the new value.
	Incr(ctx context.Context, accountId int, conversationId string) (int64, error)
	// Reset zeroes the counter.
	Reset(ctx context.Context, accountId int, conversationId string) error
	Get(ctx context.Context, accountId int, conversationId string) (int64, error)
	// GetAll returns every non-zero counter for the account, keyed by
	// conversation external id.
	GetAll(ctx context.Context, accountId int) (map[string]int64, error)
}

type RedisCounterStore struct {
	rdb *redis.Client
}

func NewRedisCounterStore(addr string) (*RedisCounterStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCounterStore{rdb: rdb}, nil
}

func counterKey(accountId int, conversationId string) string {
	return fmt.Sprintf("unread:%d:%s", accountId, conversationId)
}

func (s *RedisCounterStore) Incr(ctx context.Context, accountId int, conversationId string) (int64, error) {
	return s.rdb.Incr(ctx, counterKey(accountId, conversationId)).Result()
}

func (s *RedisCounterStore) Reset(ctx context.Context, accountId int, conversationId string) error {
	return s.rdb.Del(ctx, counterKey(accountId, conversationId)).Err()
}

func (s *RedisCounterStore) Get(ctx context.Context, accountId int, conversationId string) (int64, error) {
	n, err := s.rdb.Get(ctx, counterKey(accountId, conversationId)).Int64()
	if err == redis.Nil {
		return 0, nil
	}

	return n, err
}

func (s *RedisCounterStore) GetAll(ctx context.Context, accountId int) (map[string]int64, error) {
	pattern := fmt.Sprintf("unread:%d:*", accountId)
	prefix := fmt.Sprintf("unread:%d:", accountId)

	counters := make(map[string]int64)

	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := s.rdb.Get(ctx, key).Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}

		if n > 0 {
			counters[key[len(prefix):]] = n
		}
	}

	if err := iter.Err(); err != nil {
		return nil, err
	}

	return counters, nil
}

func (s *RedisCounterStore) Close() error {
	return s.rdb.Close()
}
