package core

import (
	"context"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// catchDef receives the synthetic error messages the engine builds when a
// node body fails anywhere in the flow. The node itself is a pass-through;
// the engine performs the event subscription during initialization.
func catchDef() *node.Definition {
	return &node.Definition{
		Type:     "catch",
		Category: "input",
		Inputs:   0,
		Outputs:  1,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			return msg, nil
		},
		Descriptor: node.Descriptor{
			Icon: "alert", Color: "#e49191", PaletteLabel: "catch",
		},
	}
}

// statusDef receives a synthetic message for every status write of any
// other node in the flow. Pass-through like catch.
func statusDef() *node.Definition {
	return &node.Definition{
		Type:     "status",
		Category: "input",
		Inputs:   0,
		Outputs:  1,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			return msg, nil
		},
		Descriptor: node.Descriptor{
			Icon: "status", Color: "#c0edc0", PaletteLabel: "status",
		},
	}
}
