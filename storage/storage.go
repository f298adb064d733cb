// Package storage defines the per-shard durable storage contract the
// runtime is written against, and the bit-stable key layout of the
// persisted schema. Backends live in storage/inmem, features/storage/bolt
// and features/storage/redis; the write-coalescing wrapper every shard
// uses is in storage/batch.
package storage

import (
	"context"
	"time"
)

// Store is the durable key/value surface owned by one shard. Values are
// arbitrary serialisable data; backends encode them as JSON. All methods
// honour the context for cancellation.
type Store interface {
	// Get returns the value stored under key. The second result is false
	// when the key is absent.
	Get(ctx context.Context, key string) (any, bool, error)
	// GetMany returns every key/value pair whose key starts with prefix.
	GetMany(ctx context.Context, prefix string) (map[string]any, error)
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value any) error
	// PutMany stores every entry of values.
	PutMany(ctx context.Context, values map[string]any) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteMany removes every listed key.
	DeleteMany(ctx context.Context, keys []string) error
	// List returns the keys matching prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	// SetAlarm persists the next alarm time for the shard.
	SetAlarm(ctx context.Context, at time.Time) error
	// GetAlarm returns the persisted alarm time, if one is set.
	GetAlarm(ctx context.Context) (time.Time, bool, error)
	// DeleteAll clears every key and the alarm. Used by session.clear and
	// by tests.
	DeleteAll(ctx context.Context) error
}

// Closer is implemented by backends holding external resources.
type Closer interface {
	Close() error
}
