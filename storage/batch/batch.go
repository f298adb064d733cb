// Package batch provides the write-coalescing storage wrapper every shard
// routes its writes through. Puts and deletes are staged in memory and
// flushed as one batch after a short interval or at shard turn boundaries;
// reads always observe staged writes before durable state.
package batch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/storage"
)

// DefaultFlushInterval is the delay before a staged write is pushed to the
// underlying store when no explicit flush happens first.
const DefaultFlushInterval = 100 * time.Millisecond

// Buffer implements storage.Store on top of another store, coalescing
// writes. The shard actor is the sole writer, but reads may come from
// concurrent engine branches, so the staging area is lock-protected.
type Buffer struct {
	store    storage.Store
	interval time.Duration

	mu      sync.Mutex
	pending map[string]any
	deleted map[string]struct{}
	timer   *time.Timer
}

var _ storage.Store = (*Buffer)(nil)

// New wraps store with a coalescing buffer. A non-positive interval selects
// DefaultFlushInterval.
func New(store storage.Store, interval time.Duration) *Buffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Buffer{
		store:    store,
		interval: interval,
		pending:  make(map[string]any),
		deleted:  make(map[string]struct{}),
	}
}

// Get returns the staged value when one exists, honours staged deletes, and
// falls back to the underlying store otherwise.
func (b *Buffer) Get(ctx context.Context, key string) (any, bool, error) {
	b.mu.Lock()
	if v, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return v, true, nil
	}
	if _, ok := b.deleted[key]; ok {
		b.mu.Unlock()
		return nil, false, nil
	}
	b.mu.Unlock()
	return b.store.Get(ctx, key)
}

// GetMany merges durable entries under prefix with the staging area.
func (b *Buffer) GetMany(ctx context.Context, prefix string) (map[string]any, error) {
	out, err := b.store.GetMany(ctx, prefix)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.deleted {
		if strings.HasPrefix(k, prefix) {
			delete(out, k)
		}
	}
	for k, v := range b.pending {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// Put stages a write and schedules a flush.
func (b *Buffer) Put(_ context.Context, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = value
	delete(b.deleted, key)
	b.scheduleLocked()
	return nil
}

// PutMany stages every entry and schedules a flush.
func (b *Buffer) PutMany(_ context.Context, values map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range values {
		b.pending[k] = v
		delete(b.deleted, k)
	}
	b.scheduleLocked()
	return nil
}

// Delete stages a delete and schedules a flush.
func (b *Buffer) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, key)
	b.deleted[key] = struct{}{}
	b.scheduleLocked()
	return nil
}

// DeleteMany stages every delete and schedules a flush.
func (b *Buffer) DeleteMany(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.pending, k)
		b.deleted[k] = struct{}{}
	}
	b.scheduleLocked()
	return nil
}

// List merges durable keys under prefix with staged puts and deletes.
func (b *Buffer) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, del := b.deleted[k]; del {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	for k := range b.pending {
		if strings.HasPrefix(k, prefix) && !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetAlarm passes through; alarms are not coalesced.
func (b *Buffer) SetAlarm(ctx context.Context, at time.Time) error {
	return b.store.SetAlarm(ctx, at)
}

// GetAlarm passes through.
func (b *Buffer) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	return b.store.GetAlarm(ctx)
}

// DeleteAll drops the staging area and clears the underlying store.
func (b *Buffer) DeleteAll(ctx context.Context) error {
	b.mu.Lock()
	b.pending = make(map[string]any)
	b.deleted = make(map[string]struct{})
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return b.store.DeleteAll(ctx)
}

// Flush pushes every staged write to the underlying store. Shard boundaries
// (end of trigger, alarm fire, control-plane exit) call this explicitly.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 && len(b.deleted) == 0 {
		b.mu.Unlock()
		return nil
	}
	puts := b.pending
	dels := make([]string, 0, len(b.deleted))
	for k := range b.deleted {
		dels = append(dels, k)
	}
	b.pending = make(map[string]any)
	b.deleted = make(map[string]struct{})
	b.mu.Unlock()

	if len(dels) > 0 {
		if err := b.store.DeleteMany(ctx, dels); err != nil {
			return err
		}
	}
	if len(puts) > 0 {
		if err := b.store.PutMany(ctx, puts); err != nil {
			return err
		}
	}
	return nil
}

// Dirty reports whether unflushed writes are staged. Test helper.
func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 || len(b.deleted) > 0
}

func (b *Buffer) scheduleLocked() {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.interval, func() {
		ctx := context.Background()
		if err := b.Flush(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "batched storage flush failed"})
		}
	})
}
