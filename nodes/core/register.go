// Package core implements the mandatory node set: graph entry and exit
// (http-in, http-response), transformers (function, change, template,
// json), routing (switch), stream handling (split, join, delay), triggers
// (inject), sinks (debug, http-request), context access and the catch and
// status event taps.
package core

import "github.com/flowmesh/flowmesh/node"

// Register adds every core node definition to the given registry, or to
// node.Default when reg is nil. Call once at process startup, before any
// engine initialises.
func Register(reg *node.Registry) {
	if reg == nil {
		reg = node.Default
	}
	for _, def := range []*node.Definition{
		httpInDef(),
		httpResponseDef(),
		httpRequestDef(),
		functionDef(),
		changeDef(),
		switchDef(),
		templateDef(),
		jsonDef(),
		delayDef(),
		splitDef(),
		joinDef(),
		injectDef(),
		debugDef(),
		contextDef(),
		catchDef(),
		statusDef(),
	} {
		reg.Register(def)
	}
}
