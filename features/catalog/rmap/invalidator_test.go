package rmap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"
)

// fakeMap mimics a replicated map without Redis.
type fakeMap struct {
	mu     sync.Mutex
	data   map[string]string
	events chan rmap.EventKind
}

func newFakeMap() *fakeMap {
	return &fakeMap{data: make(map[string]string), events: make(chan rmap.EventKind, 16)}
}

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *fakeMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func (m *fakeMap) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	prev := m.data[key]
	m.data[key] = value
	m.mu.Unlock()
	m.events <- rmap.EventChange
	return prev, nil
}

func (m *fakeMap) Subscribe() <-chan rmap.EventKind { return m.events }

func TestInvalidateNotifiesSubscribers(t *testing.T) {
	fm := newFakeMap()
	inv := New(fm)
	t.Cleanup(inv.Close)

	got := make(chan string, 4)
	cancel := inv.Subscribe(func(flowID string) { got <- flowID })
	t.Cleanup(cancel)

	require.NoError(t, inv.Invalidate(context.Background(), "flow-a"))
	select {
	case id := <-got:
		assert.Equal(t, "flow-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation observed")
	}

	// A second bump of the same flow fires again.
	require.NoError(t, inv.Invalidate(context.Background(), "flow-a"))
	select {
	case id := <-got:
		assert.Equal(t, "flow-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation observed after second bump")
	}
}

func TestCancelledSubscriberNotNotified(t *testing.T) {
	fm := newFakeMap()
	inv := New(fm)
	t.Cleanup(inv.Close)

	var mu sync.Mutex
	var count int
	cancel := inv.Subscribe(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	cancel()

	require.NoError(t, inv.Invalidate(context.Background(), "flow-b"))
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestGenerationBump(t *testing.T) {
	assert.Equal(t, "1", bump(""))
	assert.Equal(t, "2", bump("1"))
	assert.Equal(t, "10", bump("9"))
}
