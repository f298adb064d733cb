package node

import (
	"sort"
	"sync"
)

// Registry maps node type tags to definitions. Registration happens at
// process startup before any engine initialises; lookups are safe under
// concurrent readers. Last registration for a type wins, which lets
// embedders override a standard node.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Default is the process-wide registry used by engines unless one is
// injected explicitly.
var Default = NewRegistry()

// Register adds or replaces the definition for def.Type.
func (r *Registry) Register(def *Definition) {
	if def == nil || def.Type == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
}

// Lookup returns the definition registered for the type tag.
func (r *Registry) Lookup(typ string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typ]
	return def, ok
}

// Types returns the registered type tags in ascending order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns the editor metadata of every registered type, ordered
// by type tag. This feeds the node discovery endpoint.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def.describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Register adds def to the default registry.
func Register(def *Definition) { Default.Register(def) }

// Lookup consults the default registry.
func Lookup(typ string) (*Definition, bool) { return Default.Lookup(typ) }
