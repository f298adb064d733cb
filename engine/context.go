package engine

import (
	"context"
	"strings"

	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
)

// scopedKV exposes a prefixed slice of shard storage as a node.KV. Writes
// land in the shard's batched buffer; reads prefer pending writes because
// the buffer implements read-your-writes.
type scopedKV struct {
	store  storage.Store
	prefix string
}

var _ node.KV = (*scopedKV)(nil)

func (kv *scopedKV) Get(ctx context.Context, key string) (any, bool, error) {
	return kv.store.Get(ctx, kv.prefix+key)
}

func (kv *scopedKV) Set(ctx context.Context, key string, value any) error {
	return kv.store.Put(ctx, kv.prefix+key, value)
}

func (kv *scopedKV) Delete(ctx context.Context, key string) error {
	return kv.store.Delete(ctx, kv.prefix+key)
}

func (kv *scopedKV) Keys(ctx context.Context) ([]string, error) {
	full, err := kv.store.List(ctx, kv.prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, kv.prefix))
	}
	return keys, nil
}

// ExecContext is the per-engine bundle handed to node instances: the shard
// storage handle, the environment dictionary, and the two scoped KV stores.
type ExecContext struct {
	store    storage.Store
	env      map[string]string
	flowKV   node.KV
	globalKV node.KV
	flowID   string
}

// NewExecContext builds the context bundle for a flow hosted on the given
// shard storage.
func NewExecContext(flowID string, store storage.Store, env map[string]string) *ExecContext {
	if env == nil {
		env = make(map[string]string)
	}
	return &ExecContext{
		store:    store,
		env:      env,
		flowID:   flowID,
		flowKV:   &scopedKV{store: store, prefix: storage.FlowScopeKey(flowID, "")},
		globalKV: &scopedKV{store: store, prefix: storage.PrefixGlobalScope},
	}
}

// FlowKV returns the flow-scope store, namespaced per flow id.
func (ec *ExecContext) FlowKV() node.KV { return ec.flowKV }

// GlobalKV returns the shard-global store.
func (ec *ExecContext) GlobalKV() node.KV { return ec.globalKV }

// NodeKV returns the private store of the given node.
func (ec *ExecContext) NodeKV(nodeID string) node.KV {
	return &scopedKV{store: ec.store, prefix: storage.NodeKey(nodeID, "")}
}

// Env returns the environment dictionary. Callers must not mutate it.
func (ec *ExecContext) Env() map[string]string { return ec.env }

// Store returns the shard storage handle.
func (ec *ExecContext) Store() storage.Store { return ec.store }
