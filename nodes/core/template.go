package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aymerick/raymond"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

var templateCache sync.Map // string -> *raymond.Template

func compileTemplate(src string) (*raymond.Template, error) {
	if cached, ok := templateCache.Load(src); ok {
		return cached.(*raymond.Template), nil
	}
	tpl, err := raymond.Parse(src)
	if err != nil {
		return nil, err
	}
	templateCache.Store(src, tpl)
	return tpl, nil
}

// templateDef renders a handlebars template against the flattened message
// and writes the result to the target property (default payload). With
// output="json" the rendered text is parsed before assignment.
func templateDef() *node.Definition {
	return &node.Definition{
		Type:     "template",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"field": "payload", "output": "str", "template": ""},
		OnInit: func(_ context.Context, n *node.Instance) error {
			if src := n.StringOption("template"); src != "" {
				if _, err := compileTemplate(src); err != nil {
					return fmt.Errorf("template %s: parse: %w", n.ID(), err)
				}
			}
			return nil
		},
		Execute: executeTemplate,
		Descriptor: node.Descriptor{
			Icon: "template", Color: "#e2d96e", PaletteLabel: "template",
			Properties: map[string]any{
				"template": map[string]any{"type": "string"},
				"field":    map[string]any{"type": "string"},
				"output":   map[string]any{"type": "string", "enum": []any{"str", "json"}},
			},
		},
	}
}

func executeTemplate(_ context.Context, n *node.Instance, msg *message.Message) (any, error) {
	tpl, err := compileTemplate(n.StringOption("template"))
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("template: encode message: %w", err)
	}
	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("template: decode message: %w", err)
	}

	rendered, err := tpl.Exec(view)
	if err != nil {
		return nil, fmt.Errorf("template: render: %w", err)
	}

	var value any = rendered
	if n.StringOption("output") == "json" {
		if err := json.Unmarshal([]byte(rendered), &value); err != nil {
			return nil, fmt.Errorf("template: parse rendered output: %w", err)
		}
	}
	field := n.StringOption("field")
	if field == "" {
		field = "payload"
	}
	if err := msg.Set(field, value); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return msg, nil
}
