package node

import (
	"context"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/storage"
)

type (
	// KV is the scoped key/value surface node bodies see. Flow scope is
	// namespaced per flow id; global scope is shared across the flows of a
	// shard.
	KV interface {
		Get(ctx context.Context, key string) (any, bool, error)
		Set(ctx context.Context, key string, value any) error
		Keys(ctx context.Context) ([]string, error)
		Delete(ctx context.Context, key string) error
	}

	// Runtime is the engine surface an instance delegates to. The engine
	// implements it; node bodies never see it directly.
	Runtime interface {
		// FlowID identifies the owning flow.
		FlowID() string
		// FlowKV returns the flow-scope store.
		FlowKV() KV
		// GlobalKV returns the shard-global store.
		GlobalKV() KV
		// NodeKV returns the per-node store of the given node.
		NodeKV(nodeID string) KV
		// Env exposes the environment dictionary, read-only.
		Env() map[string]string
		// Store exposes the shard storage handle. Writes go through the
		// shard's batched buffer.
		Store() storage.Store
		// StatusChanged notifies the runtime that a node wrote its status.
		StatusChanged(ctx context.Context, ref message.NodeRef, status Status)
		// RaiseError reports a node-body error so in-scope catch nodes and
		// the shard log observe it.
		RaiseError(ctx context.Context, ref message.NodeRef, err error, msg *message.Message)
	}

	// Instance is the per-flow runtime handle of one configured node. It is
	// created by engine.Initialize and destroyed by engine.Close. The
	// status field is the only hot mutation; it is scalar, last writer wins.
	Instance struct {
		def    *Definition
		cfg    *flow.NodeConfig
		rt     Runtime
		status atomic.Pointer[Status]
		events *Bus
	}
)

// NewInstance binds a definition to its configuration under the given
// runtime. The events bus is shared across the instances of one engine.
func NewInstance(def *Definition, cfg *flow.NodeConfig, rt Runtime, events *Bus) *Instance {
	return &Instance{def: def, cfg: cfg, rt: rt, events: events}
}

// ID returns the stable node id.
func (n *Instance) ID() string { return n.cfg.ID }

// Type returns the node type tag.
func (n *Instance) Type() string { return n.def.Type }

// Name returns the display name, falling back to the type tag.
func (n *Instance) Name() string {
	if n.cfg.Name != "" {
		return n.cfg.Name
	}
	return n.def.Type
}

// Ref returns the node reference used in error and status records.
func (n *Instance) Ref() message.NodeRef {
	return message.NodeRef{ID: n.cfg.ID, Type: n.def.Type, Name: n.cfg.Name}
}

// Config returns the node configuration. Treat as read-only.
func (n *Instance) Config() *flow.NodeConfig { return n.cfg }

// Definition returns the registered definition of the node's type.
func (n *Instance) Definition() *Definition { return n.def }

// Outputs returns the declared output count of the node type.
func (n *Instance) Outputs() int { return n.def.Outputs }

// Option accessors resolve the configuration first and fall back to the
// definition defaults.

// StringOption returns the named option as a string.
func (n *Instance) StringOption(name string) string {
	if _, ok := n.cfg.Options[name]; ok {
		return n.cfg.StringOption(name)
	}
	if v, ok := n.def.Defaults[name].(string); ok {
		return v
	}
	return ""
}

// BoolOption returns the named option as a bool.
func (n *Instance) BoolOption(name string) bool {
	if _, ok := n.cfg.Options[name]; ok {
		return n.cfg.BoolOption(name)
	}
	if v, ok := n.def.Defaults[name].(bool); ok {
		return v
	}
	return false
}

// IntOption returns the named option as an int.
func (n *Instance) IntOption(name string) int {
	if _, ok := n.cfg.Options[name]; ok {
		return n.cfg.IntOption(name)
	}
	switch v := n.def.Defaults[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// DurationOption interprets the named option as milliseconds.
func (n *Instance) DurationOption(name string) time.Duration {
	return time.Duration(n.IntOption(name)) * time.Millisecond
}

// SliceOption returns the named option as a slice.
func (n *Instance) SliceOption(name string) []any {
	if v := n.cfg.SliceOption(name); v != nil {
		return v
	}
	if v, ok := n.def.Defaults[name].([]any); ok {
		return v
	}
	return nil
}

// FlowKV returns the flow-scope store.
func (n *Instance) FlowKV() KV { return n.rt.FlowKV() }

// GlobalKV returns the shard-global store.
func (n *Instance) GlobalKV() KV { return n.rt.GlobalKV() }

// NodeKV returns this node's private store.
func (n *Instance) NodeKV() KV { return n.rt.NodeKV(n.cfg.ID) }

// Env exposes the environment dictionary.
func (n *Instance) Env() map[string]string { return n.rt.Env() }

// Store exposes the shard storage handle for nodes that persist state
// outside the KV scopes (debug ring, join buffers, schedule records).
func (n *Instance) Store() storage.Store { return n.rt.Store() }

// FlowID identifies the owning flow.
func (n *Instance) FlowID() string { return n.rt.FlowID() }

// SetStatus records the node status and notifies status subscribers. The
// setter is idempotent; every write is observed by the status channel.
func (n *Instance) SetStatus(ctx context.Context, s Status) {
	n.status.Store(&s)
	n.rt.StatusChanged(ctx, n.Ref(), s)
}

// Status returns the last status written by the node body.
func (n *Instance) Status() Status {
	if s := n.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

// Log emits an info record attributed to the node.
func (n *Instance) Log(ctx context.Context, msg string, kvs ...log.KV) {
	log.Info(ctx, n.fields(msg, kvs)...)
}

// Warn emits a warning record attributed to the node.
func (n *Instance) Warn(ctx context.Context, msg string, kvs ...log.KV) {
	log.Warn(ctx, n.fields(msg, kvs)...)
}

// Error logs err attributed to the node and raises it on the catch channel.
// The offending message may be nil.
func (n *Instance) Error(ctx context.Context, err error, msg *message.Message) {
	fields := n.fields(err.Error(), nil)
	if msg != nil {
		fields = append(fields, log.KV{K: "msg_id", V: msg.ID})
	}
	log.Error(ctx, err, fields...)
	n.rt.RaiseError(ctx, n.Ref(), err, msg)
}

// On registers an intra-flow event handler.
func (n *Instance) On(event string, h Handler) { n.events.On(event, h) }

// Once registers a handler removed after its first invocation.
func (n *Instance) Once(event string, h Handler) { n.events.Once(event, h) }

// RemoveAll removes every handler for the event.
func (n *Instance) RemoveAll(event string) { n.events.RemoveAll(event) }

// Emit publishes an intra-flow event.
func (n *Instance) Emit(ctx context.Context, event string, payload any) {
	n.events.Emit(ctx, event, payload)
}

func (n *Instance) fields(msg string, kvs []log.KV) []log.Fielder {
	fields := []log.Fielder{
		log.KV{K: "msg", V: msg},
		log.KV{K: "node_id", V: n.cfg.ID},
		log.KV{K: "node_type", V: n.def.Type},
		log.KV{K: "flow_id", V: n.rt.FlowID()},
	}
	for _, kv := range kvs {
		fields = append(fields, kv)
	}
	return fields
}
