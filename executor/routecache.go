package executor

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/flowmesh/catalog"
)

// DefaultRouteTTL bounds how long a resolved route is served without
// consulting the catalog.
const DefaultRouteTTL = 60 * time.Second

type routeEntry struct {
	route  *catalog.Route
	expiry time.Time
}

// routeCache is the per-shard positive route cache. It is only touched from
// the actor loop and needs no locking. Negative results are not cached.
type routeCache struct {
	entries map[string]routeEntry
	ttl     time.Duration
}

func newRouteCache(ttl time.Duration) *routeCache {
	if ttl <= 0 {
		ttl = DefaultRouteTTL
	}
	return &routeCache{entries: make(map[string]routeEntry), ttl: ttl}
}

// resolve serves the cached route when fresh, falling back to the catalog.
func (rc *routeCache) resolve(ctx context.Context, cat catalog.Catalog, method, path string) (*catalog.Route, error) {
	key := catalog.RouteKey(method, path)
	if entry, ok := rc.entries[key]; ok {
		if time.Now().Before(entry.expiry) {
			return entry.route, nil
		}
		delete(rc.entries, key)
	}
	route, err := cat.Resolve(ctx, method, path)
	if err != nil {
		if errors.Is(err, catalog.ErrRouteNotFound) {
			return nil, err
		}
		return nil, err
	}
	rc.entries[key] = routeEntry{route: route, expiry: time.Now().Add(rc.ttl)}
	return route, nil
}

// dropFlow removes the cached routes of one flow.
func (rc *routeCache) dropFlow(flowID string) {
	for key, entry := range rc.entries {
		if entry.route.FlowID == flowID {
			delete(rc.entries, key)
		}
	}
}

// clear empties the cache.
func (rc *routeCache) clear() {
	rc.entries = make(map[string]routeEntry)
}
