// Package catalog defines the flow catalog: the authority mapping HTTP
// routes to flow definitions and their entry nodes. Executors consult it on
// cache misses; backends range from an in-memory map to MongoDB.
package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/flowmesh/flowmesh/flow"
)

// Sentinel errors.
var (
	ErrRouteNotFound = errors.New("no flow matches route")
	ErrFlowNotFound  = errors.New("flow not found")
)

type (
	// Route binds one HTTP method and path to a flow and its entry node.
	Route struct {
		Method      string `json:"method" bson:"method"`
		Path        string `json:"path" bson:"path"`
		FlowID      string `json:"flow_id" bson:"flow_id"`
		EntryNodeID string `json:"entry_node_id" bson:"entry_node_id"`
	}

	// Catalog resolves routes and fetches flow definitions.
	Catalog interface {
		// Resolve returns the route matching method and path, or
		// ErrRouteNotFound.
		Resolve(ctx context.Context, method, path string) (*Route, error)
		// Flow fetches a flow definition by id, or ErrFlowNotFound.
		Flow(ctx context.Context, id string) (*flow.Flow, error)
	}

	// Writer is the optional mutation surface of a catalog backend.
	Writer interface {
		PutFlow(ctx context.Context, f *flow.Flow) error
		DeleteFlow(ctx context.Context, id string) error
	}

	// Invalidator is the optional notification channel a catalog uses to
	// tell executors to drop cached engines and routes. Absent a bus the
	// route-cache TTL catches up on its own.
	Invalidator interface {
		// Invalidate announces that the flow changed.
		Invalidate(ctx context.Context, flowID string) error
		// Subscribe registers a handler for invalidation announcements and
		// returns a cancel function.
		Subscribe(handler func(flowID string)) (cancel func())
	}
)

// RoutesOf extracts the HTTP routes a flow exposes: one per http-in node,
// using its method and path options. Nodes without a path are skipped, and
// disabled flows expose no routes.
func RoutesOf(f *flow.Flow) []*Route {
	if f.Disabled {
		return nil
	}
	var routes []*Route
	for _, cfg := range f.Nodes {
		if cfg.Type != "http-in" {
			continue
		}
		path := NormalizePath(cfg.StringOption("path"))
		if path == "" {
			continue
		}
		method := strings.ToUpper(cfg.StringOption("method"))
		if method == "" {
			method = "GET"
		}
		routes = append(routes, &Route{
			Method:      method,
			Path:        path,
			FlowID:      f.ID,
			EntryNodeID: cfg.ID,
		})
	}
	return routes
}

// NormalizePath canonicalises a route path: leading slash enforced, trailing
// slash stripped (except the bare root).
func NormalizePath(path string) string {
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// RouteKey is the cache key of one method+path pair.
func RouteKey(method, path string) string {
	return strings.ToUpper(method) + " " + NormalizePath(path)
}
