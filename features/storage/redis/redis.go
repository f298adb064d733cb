// Package redis implements shard storage on Redis. Keys are namespaced per
// shard; values are JSON.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/storage"
)

const alarmKey = "__alarm"

// Store is the per-shard view over a Redis client.
type Store struct {
	rdb    *goredis.Client
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New builds the store of the given shard id.
func New(rdb *goredis.Client, shardID string) *Store {
	return &Store{rdb: rdb, prefix: "shard:" + shardID + ":"}
}

// Get reads one key.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("redis get %s: decode: %w", key, err)
	}
	return value, true, nil
}

// GetMany reads every key with the given prefix.
func (s *Store) GetMany(ctx context.Context, prefix string) (map[string]any, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value, found, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			out[key] = value
		}
	}
	return out, nil
}

// Put writes one key.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis put %s: encode: %w", key, err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// PutMany writes a batch through one pipeline.
func (s *Store) PutMany(ctx context.Context, values map[string]any) error {
	pipe := s.rdb.Pipeline()
	for key, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("redis put batch: encode %s: %w", key, err)
		}
		pipe.Set(ctx, s.prefix+key, data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put batch: %w", err)
	}
	return nil
}

// Delete removes one key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// DeleteMany removes a batch.
func (s *Store) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.prefix + key
	}
	if err := s.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis delete batch: %w", err)
	}
	return nil
}

// List returns the keys with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	return s.scan(ctx, prefix)
}

// SetAlarm persists the shard alarm time.
func (s *Store) SetAlarm(ctx context.Context, at time.Time) error {
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	if err := s.rdb.Set(ctx, s.prefix+alarmKey, ms, 0).Err(); err != nil {
		return fmt.Errorf("redis set alarm: %w", err)
	}
	return nil
}

// GetAlarm reads the shard alarm time.
func (s *Store) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+alarmKey).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get alarm: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get alarm: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// DeleteAll removes every key of the shard.
func (s *Store) DeleteAll(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis delete all: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete all: %w", err)
	}
	return nil
}

// scan lists the store's keys matching prefix, with the shard namespace
// stripped and the alarm excluded. SCAN yields keys in arbitrary order, so
// the result is sorted to honor the Store contract.
func (s *Store) scan(ctx context.Context, prefix string) ([]string, error) {
	iter := s.rdb.Scan(ctx, 0, s.prefix+prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		key := iter.Val()[len(s.prefix):]
		if key == alarmKey {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
