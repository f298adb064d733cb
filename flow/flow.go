// Package flow defines the persisted flow graph model: a flow identity, an
// ordered list of node configurations and the wires connecting node outputs
// to downstream inputs. The package parses and validates flow definitions;
// execution lives in package engine.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Flow is a complete flow definition as stored in the catalog and
	// exchanged with the graph editor.
	Flow struct {
		ID          string        `json:"id" yaml:"id"`
		Name        string        `json:"name" yaml:"name"`
		Description string        `json:"description,omitempty" yaml:"description,omitempty"`
		Version     string        `json:"version,omitempty" yaml:"version,omitempty"`
		// Disabled flows stay in the catalog but expose no routes.
		Disabled bool          `json:"disabled,omitempty" yaml:"disabled,omitempty"`
		Nodes    []*NodeConfig `json:"nodes" yaml:"nodes"`
	}

	// NodeConfig is one node of the graph. Wires are indexed by output
	// position: Wires[i] lists the target node ids fed by output i.
	// Type-specific options are kept as an open map; nodes read them
	// through the typed accessors.
	NodeConfig struct {
		ID      string         `json:"id" yaml:"id"`
		Type    string         `json:"type" yaml:"type"`
		Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
		Wires   [][]string     `json:"wires,omitempty" yaml:"wires,omitempty"`
		Options map[string]any `json:"-" yaml:"-"`
	}
)

// Sentinel validation errors.
var (
	ErrMissingFlowID  = errors.New("flow id is required")
	ErrDuplicateNode  = errors.New("duplicate node id")
	ErrDanglingWire   = errors.New("wire targets unknown node")
	ErrMissingNodeTag = errors.New("node type is required")
)

// reservedNodeKeys are the envelope keys of a node configuration; everything
// else in the node object is a type-specific option.
var reservedNodeKeys = map[string]bool{
	"id": true, "type": true, "name": true, "wires": true,
}

// UnmarshalJSON decodes the fixed fields and collects the remaining keys
// into Options.
func (n *NodeConfig) UnmarshalJSON(data []byte) error {
	type fixed struct {
		ID    string     `json:"id"`
		Type  string     `json:"type"`
		Name  string     `json:"name"`
		Wires [][]string `json:"wires"`
	}
	var f fixed
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var open map[string]any
	if err := json.Unmarshal(data, &open); err != nil {
		return err
	}
	n.ID, n.Type, n.Name, n.Wires = f.ID, f.Type, f.Name, f.Wires
	n.Options = make(map[string]any, len(open))
	for k, v := range open {
		if !reservedNodeKeys[k] {
			n.Options[k] = v
		}
	}
	return nil
}

// MarshalJSON re-flattens Options alongside the fixed fields so the JSON
// form round-trips the editor's export format.
func (n *NodeConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Options)+4)
	for k, v := range n.Options {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = n.Type
	if n.Name != "" {
		out["name"] = n.Name
	}
	if n.Wires != nil {
		out["wires"] = n.Wires
	}
	return json.Marshal(out)
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML flow files.
func (n *NodeConfig) UnmarshalYAML(value *yaml.Node) error {
	var open map[string]any
	if err := value.Decode(&open); err != nil {
		return err
	}
	raw, err := json.Marshal(open)
	if err != nil {
		return err
	}
	return n.UnmarshalJSON(raw)
}

// ParseJSON decodes and validates a flow definition.
func ParseJSON(data []byte) (*Flow, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseYAML decodes and validates a YAML flow definition.
func ParseYAML(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the structural invariants: a flow id, unique node ids,
// node type tags, and no wire targeting an unknown node. Output counts
// against node definitions are checked by the engine at initialisation,
// where the registry is available.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return ErrMissingFlowID
	}
	ids := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.Type == "" {
			return fmt.Errorf("%w: node %q", ErrMissingNodeTag, n.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}
		ids[n.ID] = true
	}
	for _, n := range f.Nodes {
		for i, targets := range n.Wires {
			for _, target := range targets {
				if !ids[target] {
					return fmt.Errorf("%w: node %q output %d -> %q", ErrDanglingWire, n.ID, i, target)
				}
			}
		}
	}
	return nil
}

// Node returns the configuration of the node with the given id.
func (f *Flow) Node(id string) (*NodeConfig, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// Option accessors. Missing or mistyped options yield the zero value so
// node bodies can rely on their registered defaults.

// StringOption returns the named option as a string.
func (n *NodeConfig) StringOption(name string) string {
	if v, ok := n.Options[name].(string); ok {
		return v
	}
	return ""
}

// BoolOption returns the named option as a bool.
func (n *NodeConfig) BoolOption(name string) bool {
	if v, ok := n.Options[name].(bool); ok {
		return v
	}
	return false
}

// IntOption returns the named option as an int, accepting the float64 the
// JSON decoder produces for numbers.
func (n *NodeConfig) IntOption(name string) int {
	switch v := n.Options[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// DurationOption interprets the named option as a millisecond count.
func (n *NodeConfig) DurationOption(name string) time.Duration {
	return time.Duration(n.IntOption(name)) * time.Millisecond
}

// SliceOption returns the named option as a []any.
func (n *NodeConfig) SliceOption(name string) []any {
	if v, ok := n.Options[name].([]any); ok {
		return v
	}
	return nil
}

// MapOption returns the named option as a map.
func (n *NodeConfig) MapOption(name string) map[string]any {
	if v, ok := n.Options[name].(map[string]any); ok {
		return v
	}
	return nil
}

// OutputCount reports the number of wired outputs.
func (n *NodeConfig) OutputCount() int { return len(n.Wires) }
