// Package node defines the type-level and flow-level halves of a node: the
// process-wide Definition registered per node type, and the Instance the
// engine creates per node configuration. Node bodies receive their Instance
// handle and interact with the runtime exclusively through it.
package node

import (
	"context"

	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
)

type (
	// Definition describes a node type: its io arity, default options, the
	// execute function, optional lifecycle hooks, and editor metadata.
	// Definitions are registered at process startup and read-only afterwards.
	Definition struct {
		// Type is the unique type tag referenced by node configurations.
		Type string
		// Category groups the type in the editor palette.
		Category string
		// Inputs and Outputs declare the io arity of the type.
		Inputs  int
		Outputs int
		// OutputCount reports the effective output arity of one
		// configuration, for types whose arity grows with their options.
		// Optional; the larger of Outputs and the returned value wins.
		OutputCount func(cfg *flow.NodeConfig) int
		// Defaults supplies option values used when a configuration omits
		// them.
		Defaults map[string]any
		// Execute runs the node body. Its return value follows the
		// node-output contract: nil consumes the message, a single message
		// routes on output 0, a slice routes element i on output i, and
		// slice elements may themselves be slices for same-output fan-out.
		Execute ExecuteFunc
		// OnInit runs once per instance before any traffic, in node order.
		OnInit HookFunc
		// OnClose runs when the owning engine closes.
		OnClose HookFunc
		// Descriptor carries the editor metadata served by the discovery
		// endpoint.
		Descriptor Descriptor
	}

	// ExecuteFunc is the signature of a node body.
	ExecuteFunc func(ctx context.Context, n *Instance, msg *message.Message) (any, error)

	// HookFunc is the signature of the on-init and on-close hooks.
	HookFunc func(ctx context.Context, n *Instance) error

	// Descriptor is the UI metadata of a node type, consumed by the graph
	// editor through the discovery endpoint.
	Descriptor struct {
		Type         string         `json:"type"`
		Category     string         `json:"category"`
		Inputs       int            `json:"inputs"`
		Outputs      int            `json:"outputs"`
		Icon         string         `json:"icon,omitempty"`
		Color        string         `json:"color,omitempty"`
		PaletteLabel string         `json:"paletteLabel,omitempty"`
		Defaults     map[string]any `json:"defaults,omitempty"`
		Properties   map[string]any `json:"properties,omitempty"`
	}

	// Status is the editor-visible status descriptor written by node bodies.
	Status struct {
		Fill  string `json:"fill,omitempty"`
		Shape string `json:"shape,omitempty"`
		Text  string `json:"text,omitempty"`
	}
)

// describe fills the derivable descriptor fields from the definition.
func (d *Definition) describe() Descriptor {
	desc := d.Descriptor
	desc.Type = d.Type
	desc.Category = d.Category
	desc.Inputs = d.Inputs
	desc.Outputs = d.Outputs
	if desc.Defaults == nil {
		desc.Defaults = d.Defaults
	}
	return desc
}
