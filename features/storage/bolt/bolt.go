// Package bolt implements shard storage on an embedded bbolt database. One
// bucket per shard keeps eviction and DeleteAll cheap; values are JSON.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/flowmesh/flowmesh/storage"
)

// alarmKey holds the shard alarm inside the bucket. The "__" prefix keeps
// it out of every storage prefix of the key schema.
const alarmKey = "__alarm"

type (
	// DB wraps one bbolt database shared by the shards of a process.
	DB struct {
		db *bbolt.DB
	}

	// Store is the per-shard view over one bucket.
	Store struct {
		db     *bbolt.DB
		bucket []byte
	}
)

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Closer = (*Store)(nil)
)

// Open opens or creates the database file.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// Shard returns the store of the given shard id, creating its bucket on
// first use.
func (d *DB) Shard(shardID string) (*Store, error) {
	bucket := []byte("shard:" + shardID)
	err := d.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create shard bucket %s: %w", shardID, err)
	}
	return &Store{db: d.db, bucket: bucket}, nil
}

// Get reads one key.
func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	var value any
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt get %s: %w", key, err)
	}
	return value, found, nil
}

// GetMany reads every key with the given prefix.
func (s *Store) GetMany(_ context.Context, prefix string) (map[string]any, error) {
	out := make(map[string]any)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if string(k) == alarmKey {
				continue
			}
			var value any
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out[string(k)] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt get prefix %s: %w", prefix, err)
	}
	return out, nil
}

// Put writes one key.
func (s *Store) Put(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bolt put %s: encode: %w", key, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("bolt put %s: %w", key, err)
	}
	return nil
}

// PutMany writes a batch in one transaction.
func (s *Store) PutMany(_ context.Context, values map[string]any) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for key, value := range values {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt put batch: %w", err)
	}
	return nil
}

// Delete removes one key.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt delete %s: %w", key, err)
	}
	return nil
}

// DeleteMany removes a batch in one transaction.
func (s *Store) DeleteMany(_ context.Context, keys []string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bolt delete batch: %w", err)
	}
	return nil
}

// List returns the keys with the given prefix in byte order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if string(k) == alarmKey {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt list %s: %w", prefix, err)
	}
	return keys, nil
}

// SetAlarm persists the shard alarm time.
func (s *Store) SetAlarm(ctx context.Context, at time.Time) error {
	return s.Put(ctx, alarmKey, at.UnixMilli())
}

// GetAlarm reads the shard alarm time.
func (s *Store) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	value, found, err := s.Get(ctx, alarmKey)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	ms, ok := value.(float64)
	if !ok {
		return time.Time{}, false, fmt.Errorf("bolt alarm: unexpected value %T", value)
	}
	return time.UnixMilli(int64(ms)), true, nil
}

// DeleteAll drops and recreates the shard bucket.
func (s *Store) DeleteAll(context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("bolt delete all: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by DB.
func (s *Store) Close() error { return nil }
