package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// changeDef applies an ordered rule list to the message: set, delete and
// move. A failing rule is logged and the remaining rules still apply.
//
// Rule shape: {"t": "set"|"delete"|"move", "p": path, "to": value,
// "tot": "str"|"num"|"bool"|"json"|"msg"|"flow"|"global"|"env"}.
func changeDef() *node.Definition {
	return &node.Definition{
		Type:     "change",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		Execute:  executeChange,
		Descriptor: node.Descriptor{
			Icon: "swap", Color: "#e2d96e", PaletteLabel: "change",
			Properties: map[string]any{
				"rules": map[string]any{"type": "array"},
			},
		},
	}
}

func executeChange(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
	for i, rv := range n.SliceOption("rules") {
		rule, ok := rv.(map[string]any)
		if !ok {
			n.Warn(ctx, fmt.Sprintf("change: rule %d is not an object", i))
			continue
		}
		if err := applyChangeRule(ctx, n, msg, rule); err != nil {
			n.Error(ctx, fmt.Errorf("change: rule %d: %w", i, err), msg)
		}
	}
	return msg, nil
}

func applyChangeRule(ctx context.Context, n *node.Instance, msg *message.Message, rule map[string]any) error {
	kind, _ := rule["t"].(string)
	path, _ := rule["p"].(string)
	switch kind {
	case "set":
		value, err := resolveOperand(ctx, n, msg, rule["to"], operandType(rule, "tot"))
		if err != nil {
			return err
		}
		return msg.Set(path, value)
	case "delete":
		return msg.Delete(path)
	case "move":
		to, _ := rule["to"].(string)
		value, err := msg.Get(path)
		if err != nil {
			return err
		}
		if err := msg.Set(to, value); err != nil {
			return err
		}
		return msg.Delete(path)
	default:
		return fmt.Errorf("unknown rule type %q", kind)
	}
}

func operandType(rule map[string]any, key string) string {
	if t, ok := rule[key].(string); ok && t != "" {
		return t
	}
	return "str"
}

// resolveOperand evaluates a rule operand: a literal of the given type, a
// message-path lookup, a KV-scope lookup, or an environment variable.
func resolveOperand(ctx context.Context, n *node.Instance, msg *message.Message, raw any, typ string) (any, error) {
	switch typ {
	case "str":
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	case "num":
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			var f float64
			if err := json.Unmarshal([]byte(v), &f); err != nil {
				return nil, fmt.Errorf("not a number: %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("not a number: %v", raw)
	case "bool":
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return v == "true", nil
		}
		return nil, fmt.Errorf("not a bool: %v", raw)
	case "json":
		s, ok := raw.(string)
		if !ok {
			return raw, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid json operand: %w", err)
		}
		return out, nil
	case "msg":
		path, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("msg operand must be a path")
		}
		return msg.Get(path)
	case "flow", "global":
		key, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s operand must be a key", typ)
		}
		kv := n.FlowKV()
		if typ == "global" {
			kv = n.GlobalKV()
		}
		v, found, err := kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return v, nil
	case "env":
		name, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("env operand must be a name")
		}
		return n.Env()[name], nil
	default:
		return nil, fmt.Errorf("unknown operand type %q", typ)
	}
}
