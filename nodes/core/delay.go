package core

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// delayDef suspends the current branch for the configured duration before
// emitting the message unchanged. The wait is cancellable: a cancelled
// trigger context aborts the branch without emitting.
func delayDef() *node.Definition {
	return &node.Definition{
		Type:     "delay",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"delay_ms": 1000},
		Execute: func(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
			d := n.DurationOption("delay_ms")
			if d <= 0 {
				return msg, nil
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return msg, nil
			}
		},
		Descriptor: node.Descriptor{
			Icon: "timer", Color: "#e6e0f8", PaletteLabel: "delay",
			Properties: map[string]any{
				"delay_ms": map[string]any{"type": "integer", "minimum": 0},
			},
		},
	}
}
