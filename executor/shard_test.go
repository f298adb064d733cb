package executor

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/catalog"
	cinmem "github.com/flowmesh/flowmesh/catalog/inmem"
	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/nodes/core"
	"github.com/flowmesh/flowmesh/storage"
	sinmem "github.com/flowmesh/flowmesh/storage/inmem"
)

// storeSet hands out in-memory stores and remembers them so tests can
// inspect durable state after shard turns complete.
type storeSet struct {
	mu     sync.Mutex
	stores map[string]*sinmem.Store
}

func newStoreSet() *storeSet {
	return &storeSet{stores: make(map[string]*sinmem.Store)}
}

func (ss *storeSet) factory(shardID string) (storage.Store, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.stores[shardID]; ok {
		return s, nil
	}
	s := sinmem.New()
	ss.stores[shardID] = s
	return s, nil
}

func (ss *storeSet) of(shardID string) *sinmem.Store {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.stores[shardID]
}

func testConfig(cat catalog.Catalog, ss *storeSet) Config {
	reg := node.NewRegistry()
	core.Register(reg)
	return Config{
		Catalog:       cat,
		Registry:      reg,
		Stores:        ss.factory,
		FlushInterval: 10 * time.Millisecond,
	}
}

func echoFlow() *flow.Flow {
	return &flow.Flow{
		ID: "echo",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"set"}},
				Options: map[string]any{"method": "POST", "path": "/echo"}},
			{ID: "set", Type: "change", Wires: [][]string{{"out"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "set", "p": "payload", "to": "transformed", "tot": "str"},
				}}},
			{ID: "out", Type: "http-response",
				Options: map[string]any{"statusCode": float64(200)}},
		},
	}
}

func counterFlow() *flow.Flow {
	return &flow.Flow{
		ID: "counter",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"inc"}},
				Options: map[string]any{"method": "GET", "path": "/count"}},
			{ID: "inc", Type: "function", Wires: [][]string{{"save"}},
				Options: map[string]any{"expr": `{"payload": (flow.n ? flow.n : 0) + 1}`}},
			{ID: "save", Type: "context",
				Options: map[string]any{"action": "set", "key": "n"}},
		},
	}
}

func tickerFlow(intervalMS float64) *flow.Flow {
	return &flow.Flow{
		ID: "ticker",
		Nodes: []*flow.NodeConfig{
			{ID: "inj", Type: "inject", Wires: [][]string{{"dbg"}},
				Options: map[string]any{
					"payload_type": "str",
					"payload":      "tick",
					"repeat_ms":    intervalMS,
				}},
			{ID: "dbg", Type: "debug"},
		},
	}
}

func newTestShard(t *testing.T, id string, cat catalog.Catalog, ss *storeSet, mut func(*Config)) *Shard {
	t.Helper()
	cfg := testConfig(cat, ss)
	if mut != nil {
		mut(&cfg)
	}
	s, err := newShard(context.Background(), id, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func decodeBody(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestShardTriggerRoute(t *testing.T) {
	cat, err := cinmem.New(echoFlow())
	require.NoError(t, err)
	s := newTestShard(t, "session:abc", cat, newStoreSet(), nil)

	resp, err := s.Handle(context.Background(), &Request{Method: "POST", Path: "/echo", Payload: "original"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.ContentType)
	assert.Equal(t, "echo", resp.Headers["X-Flow-ID"])
	assert.NotEmpty(t, resp.Headers["X-Execution-Time"])

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "transformed", string(raw))
}

func TestShardUnknownRoute(t *testing.T) {
	cat, err := cinmem.New()
	require.NoError(t, err)
	s := newTestShard(t, "session:abc", cat, newStoreSet(), nil)

	resp, err := s.Handle(context.Background(), &Request{Method: "GET", Path: "/nope"})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "/nope", body["path"])
	assert.Equal(t, "GET", body["method"])
	assert.NotEmpty(t, body["error"])
}

func TestUserShardRateLimit(t *testing.T) {
	cat, err := cinmem.New()
	require.NoError(t, err)
	s := newTestShard(t, "user:alice", cat, newStoreSet(), func(cfg *Config) {
		cfg.RateLimit = RateLimit{Requests: 2, Window: time.Minute}
	})

	for i := 0; i < 2; i++ {
		resp, err := s.Handle(context.Background(), &Request{Internal: OpStatus})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}
	resp, err := s.Handle(context.Background(), &Request{Internal: OpStatus})
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.GreaterOrEqual(t, body["retry_after_seconds"], float64(1))
}

func TestRateLimitWindowResets(t *testing.T) {
	store := sinmem.New()
	limit := RateLimit{Requests: 2, Window: 50 * time.Millisecond}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		retry, err := checkRateLimit(ctx, store, "bob", limit)
		require.NoError(t, err)
		assert.Zero(t, retry)
	}
	retry, err := checkRateLimit(ctx, store, "bob", limit)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, int64(1))

	time.Sleep(60 * time.Millisecond)
	retry, err = checkRateLimit(ctx, store, "bob", limit)
	require.NoError(t, err)
	assert.Zero(t, retry)
}

func TestFlowScopePersistsAcrossRequests(t *testing.T) {
	cat, err := cinmem.New(counterFlow())
	require.NoError(t, err)
	ss := newStoreSet()
	s := newTestShard(t, "session:abc", cat, ss, nil)

	for i := 0; i < 3; i++ {
		resp, err := s.Handle(context.Background(), &Request{Method: "GET", Path: "/count"})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}

	raw, found, err := ss.of("session:abc").Get(context.Background(), storage.FlowScopeKey("counter", "n"))
	require.NoError(t, err)
	require.True(t, found, "flow scope must survive the per-turn flush")
	assert.Equal(t, float64(3), raw)
}

func TestScheduledInjectFires(t *testing.T) {
	cat, err := cinmem.New(tickerFlow(120))
	require.NoError(t, err)
	s := newTestShard(t, "workspace:w1", cat, newStoreSet(), func(cfg *Config) {
		cfg.AlarmInterval = 60 * time.Millisecond
	})

	// Manual execution instantiates the flow, which registers the repeat
	// schedule and fires once immediately.
	resp, err := s.Handle(context.Background(), &Request{
		Internal: OpExecute, FlowID: "ticker", EntryNodeID: "inj",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	time.Sleep(500 * time.Millisecond)

	resp, err = s.Handle(context.Background(), &Request{Internal: OpDebugMessages})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(messages), 3, "repeat schedule must keep firing")
	assert.LessOrEqual(t, len(messages), 8)

	var last float64
	for _, m := range messages {
		record := m.(map[string]any)
		assert.Equal(t, "tick", record["value"])
		ts := record["timestamp"].(float64)
		assert.GreaterOrEqual(t, ts, last, "debug ring must be time ordered")
		last = ts
	}
}

func TestControlPlane(t *testing.T) {
	cat, err := cinmem.New(echoFlow())
	require.NoError(t, err)
	ss := newStoreSet()
	s := newTestShard(t, "session:abc", cat, ss, nil)
	ctx := context.Background()

	// Warm one engine so status and cache/clear have something to report.
	_, err = s.Handle(ctx, &Request{Method: "POST", Path: "/echo"})
	require.NoError(t, err)

	resp, err := s.Handle(ctx, &Request{Internal: OpStatus})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "session:abc", body["shard_id"])
	assert.Equal(t, "session", body["kind"])
	assert.Equal(t, float64(1), body["engines"])
	assert.Equal(t, float64(0), body["websockets"])

	require.NoError(t, ss.of("session:abc").Put(ctx, storage.SessionKey("cart"), []any{"a", "b"}))

	resp, err = s.Handle(ctx, &Request{Internal: OpSessionInfo, SessionID: "abc"})
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, "abc", body["session_id"])
	session := body["session"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, session["cart"])

	resp, err = s.Handle(ctx, &Request{Internal: OpSessionClear})
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["cleared"])

	resp, err = s.Handle(ctx, &Request{Internal: OpCacheClear})
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(1), body["engines_dropped"])

	resp, err = s.Handle(ctx, &Request{Internal: "no-such-op"})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestJobLifecycle(t *testing.T) {
	cat, err := cinmem.New(echoFlow())
	require.NoError(t, err)
	s := newTestShard(t, "job:j1", cat, newStoreSet(), nil)
	ctx := context.Background()

	require.NoError(t, s.Submit(&Request{
		Internal: OpJobRun, JobID: "j1",
		Method: "POST", Path: "/echo", Payload: "original",
	}))

	deadline := time.Now().Add(2 * time.Second)
	var status map[string]any
	for time.Now().Before(deadline) {
		resp, err := s.Handle(ctx, &Request{Internal: OpJobStatus, JobID: "j1"})
		require.NoError(t, err)
		if resp.StatusCode == 200 {
			status = decodeBody(t, resp)
			if status["state"] == "done" {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, status)
	require.Equal(t, "done", status["state"])
	assert.Equal(t, "j1", status["job_id"])

	resp, err := s.Handle(ctx, &Request{Internal: OpJobResult, JobID: "j1"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	result := decodeBody(t, resp)
	assert.Equal(t, float64(200), result["status_code"])
	assert.Equal(t, "transformed", result["body"])
}

func TestJobStatusUnknown(t *testing.T) {
	cat, err := cinmem.New()
	require.NoError(t, err)
	s := newTestShard(t, "job:missing", cat, newStoreSet(), nil)

	resp, err := s.Handle(context.Background(), &Request{Internal: OpJobStatus, JobID: "missing"})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestIdleEvictionPreservesDurableScopes(t *testing.T) {
	cat, err := cinmem.New(counterFlow())
	require.NoError(t, err)
	ss := newStoreSet()
	s := newTestShard(t, "session:idle", cat, ss, func(cfg *Config) {
		cfg.AlarmInterval = 50 * time.Millisecond
		cfg.IdleTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	_, err = s.Handle(ctx, &Request{Method: "GET", Path: "/count"})
	require.NoError(t, err)
	store := ss.of("session:idle")
	require.NoError(t, store.Put(ctx, storage.SessionKey("tmp"), "x"))

	time.Sleep(250 * time.Millisecond)

	sessionKeys, err := store.List(ctx, storage.PrefixSession)
	require.NoError(t, err)
	assert.Empty(t, sessionKeys, "session scratch must be cleared on idle eviction")

	_, found, err := store.Get(ctx, storage.FlowScopeKey("counter", "n"))
	require.NoError(t, err)
	assert.True(t, found, "flow scope must survive idle eviction")

	resp, err := s.Handle(ctx, &Request{Internal: OpStatus})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["engines"], "engines must be evicted")
}

func TestClosedShardRejects(t *testing.T) {
	cat, err := cinmem.New()
	require.NoError(t, err)
	s := newTestShard(t, "session:closing", cat, newStoreSet(), nil)
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Handle(context.Background(), &Request{Internal: OpStatus})
	assert.ErrorIs(t, err, ErrShardClosed)
	assert.ErrorIs(t, s.Submit(&Request{Internal: OpStatus}), ErrShardClosed)
}

func TestRouteCacheServesStaleUntilTTL(t *testing.T) {
	cat, err := cinmem.New(echoFlow())
	require.NoError(t, err)
	rc := newRouteCache(40 * time.Millisecond)
	ctx := context.Background()

	route, err := rc.resolve(ctx, cat, "POST", "/echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", route.FlowID)

	// Removal at the catalog is invisible while the entry is fresh.
	require.NoError(t, cat.DeleteFlow(ctx, "echo"))
	route, err = rc.resolve(ctx, cat, "POST", "/echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", route.FlowID)

	time.Sleep(50 * time.Millisecond)
	_, err = rc.resolve(ctx, cat, "POST", "/echo")
	assert.ErrorIs(t, err, catalog.ErrRouteNotFound)
}

func TestRouteCacheDropFlow(t *testing.T) {
	cat, err := cinmem.New(echoFlow())
	require.NoError(t, err)
	rc := newRouteCache(time.Minute)
	ctx := context.Background()

	_, err = rc.resolve(ctx, cat, "POST", "/echo")
	require.NoError(t, err)
	require.NoError(t, cat.DeleteFlow(ctx, "echo"))

	rc.dropFlow("echo")
	_, err = rc.resolve(ctx, cat, "POST", "/echo")
	assert.ErrorIs(t, err, catalog.ErrRouteNotFound)
}
