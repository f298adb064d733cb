package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// splitDef fans the payload out as a message stream. Arrays emit one
// message per element, objects one per key (key recorded on the parts
// descriptor type as "object:<key>"), strings one per segment split on the
// configured separator. Every emitted message shares a stream id and
// carries its index and the total count so a downstream join can
// reassemble the original order.
func splitDef() *node.Definition {
	return &node.Definition{
		Type:     "split",
		Category: "sequence",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"separator": "\n"},
		Execute:  executeSplit,
		Descriptor: node.Descriptor{
			Icon: "split", Color: "#e2d96e", PaletteLabel: "split",
			Properties: map[string]any{
				"separator": map[string]any{"type": "string"},
			},
		},
	}
}

func executeSplit(_ context.Context, n *node.Instance, msg *message.Message) (any, error) {
	streamID := uuid.NewString()

	switch payload := msg.Payload.(type) {
	case []any:
		out := make([]any, len(payload))
		for i, elem := range payload {
			out[i] = splitPart(msg, elem, streamID, i, len(payload), "array")
		}
		return []any{out}, nil
	case map[string]any:
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = splitPart(msg, payload[k], streamID, i, len(keys), "object:"+k)
		}
		return []any{out}, nil
	case string:
		sep := n.StringOption("separator")
		if sep == "" {
			sep = "\n"
		}
		segments := strings.Split(payload, sep)
		out := make([]any, len(segments))
		for i, s := range segments {
			out[i] = splitPart(msg, s, streamID, i, len(segments), "string")
		}
		return []any{out}, nil
	default:
		return nil, fmt.Errorf("split: payload type %T is not splittable", msg.Payload)
	}
}

func splitPart(in *message.Message, payload any, streamID string, index, count int, typ string) *message.Message {
	m := in.Clone()
	m.Payload = payload
	m.Parts = &message.Parts{StreamID: streamID, Index: index, Count: count, Type: typ}
	return m
}
