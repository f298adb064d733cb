package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonata "github.com/blues/jsonata-go"

	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// Compiled expressions are cached per source string; flows re-evaluate the
// same expression on every message.
var exprCache sync.Map // string -> *jsonata.Expr

func compileExpr(src string) (*jsonata.Expr, error) {
	if cached, ok := exprCache.Load(src); ok {
		return cached.(*jsonata.Expr), nil
	}
	expr, err := jsonata.Compile(src)
	if err != nil {
		return nil, err
	}
	exprCache.Store(src, expr)
	return expr, nil
}

// functionDef evaluates a user-supplied JSONata expression against the
// message. The expression sees the flattened message object plus "env",
// "flow" and "global" bindings; whatever it returns is routed under the
// standard node-output contract. Expressions run in-process with no
// filesystem or network surface.
func functionDef() *node.Definition {
	return &node.Definition{
		Type:     "function",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		OutputCount: func(cfg *flow.NodeConfig) int {
			return cfg.IntOption("outputs")
		},
		Defaults: map[string]any{"expr": "$$"},
		OnInit: func(_ context.Context, n *node.Instance) error {
			src := n.StringOption("expr")
			if src == "" {
				return nil
			}
			if _, err := compileExpr(src); err != nil {
				return fmt.Errorf("function %s: compile: %w", n.ID(), err)
			}
			return nil
		},
		Execute: executeFunction,
		Descriptor: node.Descriptor{
			Icon: "function", Color: "#fdd0a2", PaletteLabel: "function",
			Properties: map[string]any{
				"expr":    map[string]any{"type": "string"},
				"outputs": map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}
}

func executeFunction(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
	src := n.StringOption("expr")
	if src == "" {
		return msg, nil
	}
	expr, err := compileExpr(src)
	if err != nil {
		return nil, fmt.Errorf("function: %w", err)
	}

	input, err := functionInput(ctx, n, msg)
	if err != nil {
		return nil, err
	}
	result, err := expr.Eval(input)
	if err != nil {
		if err == jsonata.ErrUndefined {
			return nil, nil
		}
		return nil, fmt.Errorf("function: eval: %w", err)
	}
	return functionOutput(msg, result)
}

// functionInput flattens the message and attaches the env, flow-scope and
// global-scope bindings the expression may reference.
func functionInput(ctx context.Context, n *node.Instance, msg *message.Message) (map[string]any, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("function: encode message: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("function: decode message: %w", err)
	}
	env := make(map[string]any, len(n.Env()))
	for k, v := range n.Env() {
		env[k] = v
	}
	input["env"] = env
	if flowKV, err := kvSnapshot(ctx, n.FlowKV()); err == nil {
		input["flow"] = flowKV
	}
	if globalKV, err := kvSnapshot(ctx, n.GlobalKV()); err == nil {
		input["global"] = globalKV
	}
	return input, nil
}

func kvSnapshot(ctx context.Context, kv node.KV) (map[string]any, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok, err := kv.Get(ctx, k); err == nil && ok {
			out[k] = v
		}
	}
	return out, nil
}

// functionOutput maps an expression result onto the node-output contract.
// Objects become messages (inheriting the input identity when the result
// does not carry one), arrays of objects fan out per output index, and
// scalars replace the payload of the input message.
func functionOutput(in *message.Message, result any) (any, error) {
	switch rv := result.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return resultToMessage(in, rv)
	case []any:
		out := make([]any, len(rv))
		for i, elem := range rv {
			switch ev := elem.(type) {
			case nil:
				out[i] = nil
			case map[string]any:
				m, err := resultToMessage(in, ev)
				if err != nil {
					return nil, err
				}
				out[i] = m
			default:
				m := in.Clone()
				m.Payload = ev
				out[i] = m
			}
		}
		return out, nil
	default:
		m := in.Clone()
		m.Payload = rv
		return m, nil
	}
}

func resultToMessage(in *message.Message, obj map[string]any) (*message.Message, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("function: encode result: %w", err)
	}
	var m message.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("function: decode result: %w", err)
	}
	if _, hasID := obj["_msgid"]; !hasID {
		m.ID = in.ID
	}
	return &m, nil
}
