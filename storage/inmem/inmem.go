// Package inmem provides an in-memory storage.Store for tests and local
// development. Data lives in process memory and is lost on exit. Production
// deployments use features/storage/bolt or features/storage/redis.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/storage"
)

// Store implements storage.Store with an in-process map. It is thread-safe.
// Values are defensively deep-copied on both read and write so callers
// cannot mutate stored state through retained references, matching the
// isolation a real serialising backend provides.
type Store struct {
	mu    sync.RWMutex
	data  map[string]any
	alarm time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store ready for use.
func New() *Store {
	return &Store{data: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *Store) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return message.CopyValue(v), true, nil
}

// GetMany returns every entry whose key starts with prefix.
func (s *Store) GetMany(_ context.Context, prefix string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = message.CopyValue(v)
		}
	}
	return out, nil
}

// Put stores value under key.
func (s *Store) Put(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = message.CopyValue(value)
	return nil
}

// PutMany stores every entry of values.
func (s *Store) PutMany(_ context.Context, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.data[k] = message.CopyValue(v)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// DeleteMany removes every listed key.
func (s *Store) DeleteMany(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// List returns the keys matching prefix in ascending order.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SetAlarm persists the next alarm time.
func (s *Store) SetAlarm(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarm = at
	return nil
}

// GetAlarm returns the persisted alarm time, if set.
func (s *Store) GetAlarm(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.alarm.IsZero() {
		return time.Time{}, false, nil
	}
	return s.alarm, true, nil
}

// DeleteAll clears every key and the alarm.
func (s *Store) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
	s.alarm = time.Time{}
	return nil
}

// Len reports the number of stored keys. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
