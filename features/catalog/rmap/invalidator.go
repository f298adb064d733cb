// Package rmap implements the optional catalog invalidation channel on a
// Pulse replicated map backed by Redis. A writer bumps the generation of a
// flow id; every subscribed process observes the change and drops its
// cached engines and routes for that flow.
package rmap

import (
	"context"
	"fmt"
	"sync"

	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/flowmesh/flowmesh/catalog"
)

type (
	// Map is the subset of rmap.Map the invalidator uses. Defined here so
	// the invalidator stays unit-testable without Redis; satisfied by
	// *rmap.Map from goa.design/pulse/rmap.
	Map interface {
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// Invalidator implements catalog.Invalidator on a replicated map.
	Invalidator struct {
		m Map

		mu       sync.Mutex
		seen     map[string]string
		handlers []func(flowID string)
		watching bool
		stop     chan struct{}
	}
)

var _ catalog.Invalidator = (*Invalidator)(nil)

// New builds an invalidator over the given replicated map. Use
// rmap.Join(ctx, name, rdb) to obtain the map.
func New(m Map) *Invalidator {
	return &Invalidator{m: m, seen: make(map[string]string), stop: make(chan struct{})}
}

// Invalidate bumps the flow's generation so every subscriber observes the
// change. The local process is notified through the same watch path as
// remote ones.
func (inv *Invalidator) Invalidate(ctx context.Context, flowID string) error {
	prev, _ := inv.m.Get(flowID)
	if _, err := inv.m.Set(ctx, flowID, bump(prev)); err != nil {
		return fmt.Errorf("invalidate flow %s: %w", flowID, err)
	}
	return nil
}

// Subscribe registers a handler for invalidation announcements. The first
// subscription starts the replicated-map watch loop.
func (inv *Invalidator) Subscribe(handler func(flowID string)) (cancel func()) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.handlers = append(inv.handlers, handler)
	idx := len(inv.handlers) - 1
	if !inv.watching {
		inv.watching = true
		inv.snapshotLocked()
		go inv.watch()
	}
	return func() {
		inv.mu.Lock()
		defer inv.mu.Unlock()
		inv.handlers[idx] = nil
	}
}

// Close stops the watch loop.
func (inv *Invalidator) Close() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.watching {
		close(inv.stop)
		inv.watching = false
	}
}

// watch consumes change events and diffs the map contents against the last
// snapshot to recover which flow ids changed. The replicated map only
// signals "something changed"; the diff recovers the keys.
func (inv *Invalidator) watch() {
	events := inv.m.Subscribe()
	ctx := context.Background()
	for {
		select {
		case <-inv.stop:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			for _, flowID := range inv.diff() {
				log.Debug(ctx, log.KV{K: "msg", V: "flow invalidated"}, log.KV{K: "flow_id", V: flowID})
				inv.notify(flowID)
			}
		}
	}
}

func (inv *Invalidator) diff() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var changed []string
	for _, key := range inv.m.Keys() {
		val, _ := inv.m.Get(key)
		if inv.seen[key] != val {
			inv.seen[key] = val
			changed = append(changed, key)
		}
	}
	return changed
}

func (inv *Invalidator) notify(flowID string) {
	inv.mu.Lock()
	handlers := make([]func(string), len(inv.handlers))
	copy(handlers, inv.handlers)
	inv.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(flowID)
		}
	}
}

func (inv *Invalidator) snapshotLocked() {
	for _, key := range inv.m.Keys() {
		val, _ := inv.m.Get(key)
		inv.seen[key] = val
	}
}

func bump(prev string) string {
	if prev == "" {
		return "1"
	}
	var n int64
	fmt.Sscanf(prev, "%d", &n)
	return fmt.Sprintf("%d", n+1)
}
