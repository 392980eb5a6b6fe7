package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "engage:session:"

// RedisStore keeps sessions as JSON strings with a Redis TTL.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(k Key) string { return keyPrefix + k.String() }

func (r *RedisStore) Put(ctx context.Context, s Session, ttl time.Duration) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKey(s.Key()), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", s.Key(), err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key Key) (Session, error) {
	raw, err := r.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("redis GET %s: %w", key, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", key, err)
	}
	return s, nil
}

// Consume relies on DEL returning the number of keys removed, so of two
// concurrent callers exactly one sees true.
func (r *RedisStore) Consume(ctx context.Context, key Key) (bool, error) {
	n, err := r.rdb.Del(ctx, redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return n == 1, nil
}

// Replace watches the key so a Consume or a new Start landing between the
// read and the write aborts the transaction instead of being overwritten.
func (r *RedisStore) Replace(ctx context.Context, s Session, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("marshal session: %w", err)
	}
	key := redisKey(s.Key())
	replaced := false
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var held Session
		if err := json.Unmarshal(raw, &held); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if !held.CreatedAt.Equal(s.CreatedAt) {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		}); err != nil {
			return err
		}
		replaced = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis replace %s: %w", s.Key(), err)
	}
	return replaced, nil
}

func (r *RedisStore) Restore(ctx context.Context, s Session, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, redisKey(s.Key()), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", s.Key(), err)
	}
	return ok, nil
}
