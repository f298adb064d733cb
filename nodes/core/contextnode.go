package core

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// contextDef reads and writes the flow-scope or global-scope KV from inside
// a flow. Actions: get (key into payload), set (payload under key), keys
// (key list into payload), delete.
func contextDef() *node.Definition {
	return &node.Definition{
		Type:     "context",
		Category: "storage",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"action": "get", "scope": "flow", "key": ""},
		Execute:  executeContext,
		Descriptor: node.Descriptor{
			Icon: "db", Color: "#d7d7a0", PaletteLabel: "context",
			Properties: map[string]any{
				"action": map[string]any{"type": "string", "enum": []any{"get", "set", "keys", "delete"}},
				"scope":  map[string]any{"type": "string", "enum": []any{"flow", "global"}},
				"key":    map[string]any{"type": "string"},
			},
		},
	}
}

func executeContext(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
	var kv node.KV
	switch scope := n.StringOption("scope"); scope {
	case "flow", "":
		kv = n.FlowKV()
	case "global":
		kv = n.GlobalKV()
	default:
		return nil, fmt.Errorf("context: unknown scope %q", scope)
	}

	key := n.StringOption("key")
	if v, ok := msg.Field("key"); ok {
		if s, ok := v.(string); ok && s != "" {
			key = s
		}
	}

	action := n.StringOption("action")
	if action != "keys" && key == "" {
		return nil, fmt.Errorf("context: no key configured for action %q", action)
	}

	switch action {
	case "get", "":
		value, found, err := kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("context: get %q: %w", key, err)
		}
		if !found {
			value = nil
		}
		msg.Payload = value
	case "set":
		if err := kv.Set(ctx, key, msg.Payload); err != nil {
			return nil, fmt.Errorf("context: set %q: %w", key, err)
		}
	case "keys":
		keys, err := kv.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("context: keys: %w", err)
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		msg.Payload = out
	case "delete":
		if err := kv.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("context: delete %q: %w", key, err)
		}
	default:
		return nil, fmt.Errorf("context: unknown action %q", action)
	}
	return msg, nil
}
