package node

import (
	"context"
	"sync"
)

// Well-known intra-flow events published by the engine.
const (
	// EventNodeError carries an *ErrorEvent for catch nodes.
	EventNodeError = "node:error"
	// EventNodeStatus carries a *StatusEvent for status nodes.
	EventNodeStatus = "node:status"
)

type (
	// Handler consumes an intra-flow event.
	Handler func(ctx context.Context, payload any)

	// Bus is the per-engine pub/sub channel backing catch and status nodes
	// and user-level node events. Handlers run synchronously on the
	// emitting branch; they must not block.
	Bus struct {
		mu       sync.RWMutex
		handlers map[string][]*subscription
	}

	subscription struct {
		h    Handler
		once bool
	}
)

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*subscription)}
}

// On registers a persistent handler for the event.
func (b *Bus) On(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], &subscription{h: h})
}

// Once registers a handler removed after its first invocation.
func (b *Bus) Once(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], &subscription{h: h, once: true})
}

// RemoveAll drops every handler registered for the event.
func (b *Bus) RemoveAll(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, event)
}

// Emit invokes every handler registered for the event, in registration
// order, then drops once-handlers.
func (b *Bus) Emit(ctx context.Context, event string, payload any) {
	b.mu.Lock()
	subs := b.handlers[event]
	var keep []*subscription
	run := make([]Handler, 0, len(subs))
	for _, s := range subs {
		run = append(run, s.h)
		if !s.once {
			keep = append(keep, s)
		}
	}
	if keep == nil {
		delete(b.handlers, event)
	} else {
		b.handlers[event] = keep
	}
	b.mu.Unlock()

	for _, h := range run {
		h(ctx, payload)
	}
}
