package core

import (
	"context"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// httpInDef is the graph entry for HTTP-triggered flows. The node itself is
// a pure pass-through; its method and path options are consumed by the
// route resolver, not by execution.
func httpInDef() *node.Definition {
	return &node.Definition{
		Type:     "http-in",
		Category: "input",
		Inputs:   0,
		Outputs:  1,
		Defaults: map[string]any{"method": "GET", "path": "/"},
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			return msg, nil
		},
		Descriptor: node.Descriptor{
			Icon: "white-globe", Color: "#e7e7ae", PaletteLabel: "http in",
			Properties: map[string]any{
				"method": map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "DELETE", "PATCH"}},
				"path":   map[string]any{"type": "string"},
			},
		},
	}
}

// httpResponseDef writes the terminal HTTP response descriptor and consumes
// the message. Descriptor headers are the union of the configured headers
// and any "headers" field already set on the message.
func httpResponseDef() *node.Definition {
	return &node.Definition{
		Type:     "http-response",
		Category: "output",
		Inputs:   1,
		Outputs:  0,
		Defaults: map[string]any{"statusCode": 200},
		Execute: func(_ context.Context, n *node.Instance, msg *message.Message) (any, error) {
			headers := make(map[string]string)
			for k, v := range n.Config().MapOption("headers") {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
			if mh, ok := msg.Field("headers"); ok {
				if hm, ok := mh.(map[string]any); ok {
					for k, v := range hm {
						if s, ok := v.(string); ok {
							headers[k] = s
						}
					}
				}
			}
			status := n.IntOption("statusCode")
			if sc, ok := msg.Field("statusCode"); ok {
				if f, ok := sc.(float64); ok {
					status = int(f)
				}
			}
			if status == 0 {
				status = 200
			}
			msg.Response = &message.HTTPResponse{
				StatusCode: status,
				Headers:    headers,
				Payload:    msg.Payload,
			}
			return nil, nil
		},
		Descriptor: node.Descriptor{
			Icon: "white-globe", Color: "#e7e7ae", PaletteLabel: "http response",
		},
	}
}
