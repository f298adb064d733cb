package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// jsonDef converts the payload between a JSON string and structured data.
// action="str" stringifies, action="obj" parses, and the empty default
// picks the direction from the payload's current type.
func jsonDef() *node.Definition {
	return &node.Definition{
		Type:     "json",
		Category: "parser",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"action": "", "property": "payload", "pretty": false},
		Execute:  executeJSON,
		Descriptor: node.Descriptor{
			Icon: "parser-json", Color: "#debd5c", PaletteLabel: "json",
			Properties: map[string]any{
				"action":   map[string]any{"type": "string", "enum": []any{"", "str", "obj"}},
				"property": map[string]any{"type": "string"},
				"pretty":   map[string]any{"type": "boolean"},
			},
		},
	}
}

func executeJSON(_ context.Context, n *node.Instance, msg *message.Message) (any, error) {
	property := n.StringOption("property")
	if property == "" {
		property = "payload"
	}
	value, err := msg.Get(property)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	action := n.StringOption("action")
	if action == "" {
		switch value.(type) {
		case string, []byte:
			action = "obj"
		default:
			action = "str"
		}
	}

	switch action {
	case "obj":
		var raw []byte
		switch v := value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			// Already structured, nothing to parse.
			return msg, nil
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("json: parse: %w", err)
		}
		if err := msg.Set(property, parsed); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	case "str":
		if _, ok := value.(string); ok {
			return msg, nil
		}
		var raw []byte
		if n.BoolOption("pretty") {
			raw, err = json.MarshalIndent(value, "", "  ")
		} else {
			raw, err = json.Marshal(value)
		}
		if err != nil {
			return nil, fmt.Errorf("json: stringify: %w", err)
		}
		if err := msg.Set(property, string(raw)); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	default:
		return nil, fmt.Errorf("json: unknown action %q", action)
	}
	return msg, nil
}
