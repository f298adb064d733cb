package core

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
)

// debugDef appends the extracted value (default the full payload) to the
// shard debug ring. Retention trimming happens in the shard housekeeping
// pass, not here.
func debugDef() *node.Definition {
	return &node.Definition{
		Type:     "debug",
		Category: "output",
		Inputs:   1,
		Outputs:  0,
		Defaults: map[string]any{"property": "payload"},
		Execute:  executeDebug,
		Descriptor: node.Descriptor{
			Icon: "debug", Color: "#87a980", PaletteLabel: "debug",
			Properties: map[string]any{
				"property": map[string]any{"type": "string"},
			},
		},
	}
}

func executeDebug(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
	property := n.StringOption("property")
	if property == "" {
		property = "payload"
	}
	value, err := msg.Get(property)
	if err != nil {
		value = nil
	}

	ts := time.Now().UnixMilli()
	record := storage.DebugRecord{
		Timestamp: ts,
		NodeID:    n.ID(),
		MsgID:     msg.ID,
		Value:     value,
	}
	if err := n.Store().Put(ctx, storage.DebugKey(n.ID(), ts), record); err != nil {
		return nil, fmt.Errorf("debug: persist record: %w", err)
	}
	n.Log(ctx, "debug", log.KV{K: "msg_id", V: msg.ID}, log.KV{K: "value", V: value})
	return nil, nil
}
