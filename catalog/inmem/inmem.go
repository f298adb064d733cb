// Package inmem provides a map-backed catalog used by tests and by the file
// loader.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/flow"
)

// Catalog is a map-backed catalog.Catalog and catalog.Writer.
type Catalog struct {
	mu     sync.RWMutex
	flows  map[string]*flow.Flow
	routes map[string]*catalog.Route
}

var (
	_ catalog.Catalog = (*Catalog)(nil)
	_ catalog.Writer  = (*Catalog)(nil)
)

// New builds an empty catalog and loads the given flows into it.
func New(flows ...*flow.Flow) (*Catalog, error) {
	c := &Catalog{
		flows:  make(map[string]*flow.Flow),
		routes: make(map[string]*catalog.Route),
	}
	for _, f := range flows {
		if err := c.PutFlow(context.Background(), f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Resolve returns the route matching method and path.
func (c *Catalog) Resolve(_ context.Context, method, path string) (*catalog.Route, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[catalog.RouteKey(method, path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", catalog.ErrRouteNotFound, method, path)
	}
	out := *r
	return &out, nil
}

// Flow fetches a flow definition by id.
func (c *Catalog) Flow(_ context.Context, id string) (*flow.Flow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrFlowNotFound, id)
	}
	return f, nil
}

// PutFlow validates the flow, stores it, and rebuilds its route entries.
// Routes of a previous version of the flow are replaced.
func (c *Catalog) PutFlow(_ context.Context, f *flow.Flow) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropRoutesLocked(f.ID)
	c.flows[f.ID] = f
	for _, r := range catalog.RoutesOf(f) {
		c.routes[catalog.RouteKey(r.Method, r.Path)] = r
	}
	return nil
}

// DeleteFlow removes the flow and its routes.
func (c *Catalog) DeleteFlow(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.flows[id]; !ok {
		return fmt.Errorf("%w: %s", catalog.ErrFlowNotFound, id)
	}
	delete(c.flows, id)
	c.dropRoutesLocked(id)
	return nil
}

// FlowIDs returns the ids of the stored flows.
func (c *Catalog) FlowIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.flows))
	for id := range c.flows {
		ids = append(ids, id)
	}
	return ids
}

func (c *Catalog) dropRoutesLocked(flowID string) {
	for key, r := range c.routes {
		if r.FlowID == flowID {
			delete(c.routes, key)
		}
	}
}
