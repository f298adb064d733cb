package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/catalog"
)

// Manager owns the shard set. Shards are created lazily on first request
// to their identity and live until idle eviction or shutdown.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	shards map[string]*Shard
	closed bool

	cancelInvalidation func()
}

// NewManager validates the configuration and starts the manager. If the
// catalog also implements catalog.Invalidator, flow invalidations fan out
// to every live shard.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("manager: catalog is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("manager: node registry is required")
	}
	if cfg.Stores == nil {
		return nil, errors.New("manager: store factory is required")
	}
	m := &Manager{
		cfg:    cfg,
		shards: make(map[string]*Shard),
	}
	if inv, ok := cfg.Catalog.(catalog.Invalidator); ok {
		m.cancelInvalidation = inv.Subscribe(func(flowID string) {
			m.invalidate(ctx, flowID)
		})
	}
	return m, nil
}

// Shard returns the live shard for the identity, creating it if needed.
func (m *Manager) Shard(ctx context.Context, shardID string) (*Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShardClosed
	}
	if s, ok := m.shards[shardID]; ok {
		return s, nil
	}
	s, err := newShard(ctx, shardID, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("create shard %s: %w", shardID, err)
	}
	m.shards[shardID] = s
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveShards.Set(float64(len(m.shards)))
	}
	log.Info(ctx, log.KV{K: "msg", V: "shard created"}, log.KV{K: "shard_id", V: shardID})
	return s, nil
}

// Handle routes one request to its shard.
func (m *Manager) Handle(ctx context.Context, shardID string, req *Request) (*Response, error) {
	s, err := m.Shard(ctx, shardID)
	if err != nil {
		return nil, err
	}
	return s.Handle(ctx, req)
}

// Submit enqueues a fire-and-forget request on its shard.
func (m *Manager) Submit(ctx context.Context, shardID string, req *Request) error {
	s, err := m.Shard(ctx, shardID)
	if err != nil {
		return err
	}
	return s.Submit(req)
}

// Evict closes and forgets one shard (idle reaping, tests).
func (m *Manager) Evict(ctx context.Context, shardID string) error {
	m.mu.Lock()
	s, ok := m.shards[shardID]
	if ok {
		delete(m.shards, shardID)
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ActiveShards.Set(float64(len(m.shards)))
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// Count returns the number of live shards.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shards)
}

// invalidate drops the flow's cached engine and routes everywhere.
func (m *Manager) invalidate(ctx context.Context, flowID string) {
	m.mu.Lock()
	shards := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.Unlock()
	log.Info(ctx, log.KV{K: "msg", V: "invalidating flow"},
		log.KV{K: "flow_id", V: flowID}, log.KV{K: "shards", V: len(shards)})
	for _, s := range shards {
		s.Invalidate(flowID)
	}
}

// Close stops invalidation delivery and shuts every shard down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	shards := make([]*Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.shards = make(map[string]*Shard)
	m.mu.Unlock()

	if m.cancelInvalidation != nil {
		m.cancelInvalidation()
	}
	var errs []error
	for _, s := range shards {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveShards.Set(0)
	}
	return errors.Join(errs...)
}
