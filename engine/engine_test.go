package engine_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/nodes/core"
	"github.com/flowmesh/flowmesh/storage"
	"github.com/flowmesh/flowmesh/storage/inmem"
)

func newRegistry(t *testing.T) *node.Registry {
	t.Helper()
	reg := node.NewRegistry()
	core.Register(reg)
	return reg
}

func newEngine(t *testing.T, f *flow.Flow, reg *node.Registry, store storage.Store) *engine.Engine {
	t.Helper()
	if store == nil {
		store = inmem.New()
	}
	e := engine.New(f, engine.Options{Registry: reg, Store: store})
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func TestLinearPipeline(t *testing.T) {
	f := &flow.Flow{
		ID: "linear",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"set"}}},
			{ID: "set", Type: "change", Wires: [][]string{{"out"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "set", "p": "payload", "to": "transformed", "tot": "str"},
				}}},
			{ID: "out", Type: "http-response",
				Options: map[string]any{"statusCode": float64(200)}},
		},
	}
	e := newEngine(t, f, newRegistry(t), nil)

	resp, err := e.Trigger(context.Background(), "in", message.New("", "original"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "transformed", resp.Payload)
}

func TestBranchFanOut(t *testing.T) {
	f := &flow.Flow{
		ID: "branch",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"sw"}}},
			{ID: "sw", Type: "switch", Wires: [][]string{{"a"}, {"b"}},
				Options: map[string]any{
					"property": "payload.v",
					"checkall": false,
					"rules": []any{
						map[string]any{"t": "eq", "v": float64(1)},
						map[string]any{"t": "eq", "v": float64(2)},
					},
				}},
			{ID: "a", Type: "change", Wires: [][]string{{"out"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "set", "p": "payload", "to": "A", "tot": "str"},
				}}},
			{ID: "b", Type: "change", Wires: [][]string{{"out"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "set", "p": "payload", "to": "B", "tot": "str"},
				}}},
			{ID: "out", Type: "http-response"},
		},
	}
	e := newEngine(t, f, newRegistry(t), nil)

	cases := []struct {
		v    float64
		want any
	}{
		{1, "A"},
		{2, "B"},
	}
	for _, tc := range cases {
		resp, err := e.Trigger(context.Background(), "in", message.New("", map[string]any{"v": tc.v}))
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, tc.want, resp.Payload)
	}

	// No rule matches: the branch dies and no descriptor is produced.
	resp, err := e.Trigger(context.Background(), "in", message.New("", map[string]any{"v": float64(3)}))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

// recorderDef captures delivered payloads for inspection.
func recorderDef(typ string, mu *sync.Mutex, got *[]any) *node.Definition {
	return &node.Definition{
		Type: typ, Inputs: 1, Outputs: 0,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			*got = append(*got, msg.Payload)
			return nil, nil
		},
	}
}

func TestFanOutIndependence(t *testing.T) {
	reg := newRegistry(t)
	var mu sync.Mutex
	var recorded []any
	reg.Register(&node.Definition{
		Type: "mutator", Inputs: 1, Outputs: 0,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			msg.Payload.(map[string]any)["touched"] = true
			return nil, nil
		},
	})
	reg.Register(recorderDef("recorder", &mu, &recorded))

	f := &flow.Flow{
		ID: "fanout",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"fn"}}},
			{ID: "fn", Type: "function", Wires: [][]string{{"mut", "rec"}},
				Options: map[string]any{"expr": "$$"}},
			{ID: "mut", Type: "mutator"},
			{ID: "rec", Type: "recorder"},
		},
	}
	e := newEngine(t, f, reg, nil)

	_, err := e.Trigger(context.Background(), "in", message.New("", map[string]any{"k": "v"}))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recorded, 1)
	payload, ok := recorded[0].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, payload, "touched", "sibling mutation leaked across the wire")
	assert.Equal(t, "v", payload["k"])
}

func TestSplitJoinRoundTrip(t *testing.T) {
	store := inmem.New()
	f := &flow.Flow{
		ID: "stream",
		Nodes: []*flow.NodeConfig{
			{ID: "inj", Type: "inject", Wires: [][]string{{"sp"}},
				Options: map[string]any{"payload_type": "json", "payload": `[1,2,3]`}},
			{ID: "sp", Type: "split", Wires: [][]string{{"dbl"}}},
			{ID: "dbl", Type: "function", Wires: [][]string{{"jn"}},
				Options: map[string]any{"expr": "payload * 2"}},
			{ID: "jn", Type: "join", Wires: [][]string{{"dbg"}},
				Options: map[string]any{"count": float64(3)}},
			{ID: "dbg", Type: "debug"},
		},
	}
	e := newEngine(t, f, newRegistry(t), store)

	_, err := e.Trigger(context.Background(), "inj", message.New("", nil))
	require.NoError(t, err)

	keys, err := store.List(context.Background(), storage.PrefixDebug+"dbg")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	raw, _, err := store.Get(context.Background(), keys[0])
	require.NoError(t, err)
	record, err := storage.Decode[storage.DebugRecord](raw)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2), float64(4), float64(6)}, record.Value)
}

func TestSameWireDeliveryOrder(t *testing.T) {
	reg := newRegistry(t)
	var mu sync.Mutex
	var recorded []any
	reg.Register(recorderDef("recorder", &mu, &recorded))
	reg.Register(&node.Definition{
		Type: "burst", Inputs: 1, Outputs: 1,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			parts := make([]*message.Message, 100)
			for i := range parts {
				m := msg.Clone()
				m.Payload = float64(i)
				parts[i] = m
			}
			return []any{parts}, nil
		},
	})

	f := &flow.Flow{
		ID: "ordered",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"b"}}},
			{ID: "b", Type: "burst", Wires: [][]string{{"rec"}}},
			{ID: "rec", Type: "recorder"},
		},
	}
	e := newEngine(t, f, reg, nil)

	_, err := e.Trigger(context.Background(), "in", message.New("", nil))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recorded, 100)
	for i, v := range recorded {
		require.Equal(t, float64(i), v, "delivery %d arrived out of emit order", i)
	}
}

func TestSplitPartsArriveInOrder(t *testing.T) {
	reg := newRegistry(t)
	var mu sync.Mutex
	var recorded []any
	reg.Register(recorderDef("recorder", &mu, &recorded))

	elems := make([]any, 20)
	for i := range elems {
		elems[i] = float64(i)
	}
	f := &flow.Flow{
		ID: "parts",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"sp"}}},
			{ID: "sp", Type: "split", Wires: [][]string{{"rec"}}},
			{ID: "rec", Type: "recorder"},
		},
	}
	e := newEngine(t, f, reg, nil)

	_, err := e.Trigger(context.Background(), "in", message.New("", elems))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, elems, recorded)
}

func TestConfiguredArityWidensDeclaredOutputs(t *testing.T) {
	// Switch arity grows with its rules; three wire rows over three rules
	// must initialise quietly.
	f := &flow.Flow{
		ID: "arity",
		Nodes: []*flow.NodeConfig{
			{ID: "sw", Type: "switch", Wires: [][]string{{"a"}, {"b"}, {"c"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "eq", "v": float64(1)},
					map[string]any{"t": "eq", "v": float64(2)},
					map[string]any{"t": "eq", "v": float64(3)},
				}}},
			{ID: "a", Type: "debug"},
			{ID: "b", Type: "debug"},
			{ID: "c", Type: "debug"},
		},
	}
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithDebug())
	e := engine.New(f, engine.Options{Registry: newRegistry(t), Store: inmem.New()})
	require.NoError(t, e.Initialize(ctx))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	assert.NotContains(t, buf.String(), "exceed")

	// A fixed one-output type with two wire rows is still flagged.
	f2 := &flow.Flow{
		ID: "arity2",
		Nodes: []*flow.NodeConfig{
			{ID: "tpl", Type: "template", Wires: [][]string{{"a"}, {"b"}}},
			{ID: "a", Type: "debug"},
			{ID: "b", Type: "debug"},
		},
	}
	buf.Reset()
	ctx = log.Context(context.Background(), log.WithOutput(&buf), log.WithDebug())
	e2 := engine.New(f2, engine.Options{Registry: newRegistry(t), Store: inmem.New()})
	require.NoError(t, e2.Initialize(ctx))
	t.Cleanup(func() { _ = e2.Close(context.Background()) })
	assert.Contains(t, buf.String(), "exceed")
}

func TestErrorContainment(t *testing.T) {
	reg := newRegistry(t)
	var mu sync.Mutex
	var recorded []any
	reg.Register(&node.Definition{
		Type: "boom", Inputs: 1, Outputs: 1,
		Execute: func(context.Context, *node.Instance, *message.Message) (any, error) {
			return nil, errors.New("node blew up")
		},
	})
	reg.Register(recorderDef("recorder", &mu, &recorded))

	f := &flow.Flow{
		ID: "contain",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"bad", "good"}}},
			{ID: "bad", Type: "boom", Wires: [][]string{{"rec"}}},
			{ID: "good", Type: "change", Wires: [][]string{{"rec"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "set", "p": "payload", "to": "survived", "tot": "str"},
				}}},
			{ID: "rec", Type: "recorder"},
		},
	}
	e := newEngine(t, f, reg, nil)

	_, err := e.Trigger(context.Background(), "in", message.New("", "seed"))
	require.NoError(t, err, "a node failure must not fail the trigger")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recorded, 1, "failed branch must be suppressed, sibling must run")
	assert.Equal(t, "survived", recorded[0])
}

func TestCatchReceivesNodeError(t *testing.T) {
	reg := newRegistry(t)
	var mu sync.Mutex
	var recorded []any
	reg.Register(&node.Definition{
		Type: "boom", Inputs: 1, Outputs: 1,
		Execute: func(context.Context, *node.Instance, *message.Message) (any, error) {
			return nil, errors.New("node blew up")
		},
	})
	reg.Register(&node.Definition{
		Type: "error-recorder", Inputs: 1, Outputs: 0,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			recorded = append(recorded, msg.Error)
			return nil, nil
		},
	})

	f := &flow.Flow{
		ID: "caught",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"bad"}}},
			{ID: "bad", Type: "boom", Wires: [][]string{{}}},
			{ID: "c", Type: "catch", Wires: [][]string{{"rec"}}},
			{ID: "rec", Type: "error-recorder"},
		},
	}
	e := newEngine(t, f, reg, nil)

	_, err := e.Trigger(context.Background(), "in", message.New("", nil))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recorded, 1)
	execErr, ok := recorded[0].(*message.ExecError)
	require.True(t, ok)
	assert.Equal(t, "node blew up", execErr.Message)
	assert.Equal(t, "bad", execErr.Source.ID)
	assert.Equal(t, "boom", execErr.Source.Type)
}

func TestStatusNodeObservesWrites(t *testing.T) {
	reg := newRegistry(t)
	var mu sync.Mutex
	var recorded []any
	reg.Register(&node.Definition{
		Type: "announcer", Inputs: 1, Outputs: 0,
		Execute: func(ctx context.Context, n *node.Instance, _ *message.Message) (any, error) {
			n.SetStatus(ctx, node.Status{Fill: "green", Text: "running"})
			return nil, nil
		},
	})
	reg.Register(recorderDef("recorder", &mu, &recorded))

	f := &flow.Flow{
		ID: "observed",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"ann"}}},
			{ID: "ann", Type: "announcer"},
			{ID: "st", Type: "status", Wires: [][]string{{"rec"}}},
			{ID: "rec", Type: "recorder"},
		},
	}
	e := newEngine(t, f, reg, nil)

	_, err := e.Trigger(context.Background(), "in", message.New("", nil))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recorded, 1)
	payload, ok := recorded[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "green", payload["fill"])
	assert.Equal(t, "running", payload["text"])
}

func TestFirstResponseWins(t *testing.T) {
	f := &flow.Flow{
		ID: "race",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"slow", "fast"}}},
			{ID: "slow", Type: "delay", Wires: [][]string{{"outSlow"}},
				Options: map[string]any{"delay_ms": float64(50)}},
			{ID: "fast", Type: "change", Wires: [][]string{{"outFast"}},
				Options: map[string]any{"rules": []any{
					map[string]any{"t": "set", "p": "payload", "to": "fast", "tot": "str"},
				}}},
			{ID: "outSlow", Type: "http-response", Options: map[string]any{"statusCode": float64(500)}},
			{ID: "outFast", Type: "http-response", Options: map[string]any{"statusCode": float64(200)}},
		},
	}
	e := newEngine(t, f, newRegistry(t), nil)

	resp, err := e.Trigger(context.Background(), "in", message.New("", "seed"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "fast", resp.Payload)
}

func TestExecutionBudgetBoundsCycles(t *testing.T) {
	reg := newRegistry(t)
	var executions int64
	var mu sync.Mutex
	reg.Register(&node.Definition{
		Type: "looper", Inputs: 1, Outputs: 1,
		Execute: func(_ context.Context, _ *node.Instance, msg *message.Message) (any, error) {
			mu.Lock()
			executions++
			mu.Unlock()
			return msg, nil
		},
	})

	f := &flow.Flow{
		ID: "loop",
		Nodes: []*flow.NodeConfig{
			{ID: "n", Type: "looper", Wires: [][]string{{"n"}}},
		},
	}
	store := inmem.New()
	e := engine.New(f, engine.Options{Registry: reg, Store: store, MaxExecutions: 25})
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	_, err := e.Trigger(context.Background(), "n", message.New("", nil))
	require.NoError(t, err, "budget exhaustion must not fail the trigger")
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, executions, int64(25))
	assert.Greater(t, executions, int64(0))
}

func TestTriggerUnknownEntry(t *testing.T) {
	f := &flow.Flow{ID: "empty", Nodes: []*flow.NodeConfig{
		{ID: "in", Type: "http-in"},
	}}
	e := newEngine(t, f, newRegistry(t), nil)

	_, err := e.Trigger(context.Background(), "nope", message.New("", nil))
	assert.ErrorIs(t, err, engine.ErrUnknownNode)
}

func TestClosedEngineRejectsTriggers(t *testing.T) {
	f := &flow.Flow{ID: "closing", Nodes: []*flow.NodeConfig{
		{ID: "in", Type: "http-in"},
	}}
	store := inmem.New()
	e := engine.New(f, engine.Options{Registry: newRegistry(t), Store: store})
	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err := e.Trigger(context.Background(), "in", message.New("", nil))
	assert.ErrorIs(t, err, engine.ErrEngineClosed)
}

func TestUnknownNodeTypeSkipped(t *testing.T) {
	f := &flow.Flow{
		ID: "partial",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"mystery"}}},
			{ID: "mystery", Type: "not-registered"},
		},
	}
	e := newEngine(t, f, newRegistry(t), nil)

	// The wire targets a skipped node; execution degrades to a no-op
	// rather than failing.
	resp, err := e.Trigger(context.Background(), "in", message.New("", nil))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestFlowScopePersistsAcrossTriggers(t *testing.T) {
	f := &flow.Flow{
		ID: "counter",
		Nodes: []*flow.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"inc"}}},
			{ID: "inc", Type: "function", Wires: [][]string{{"out"}},
				Options: map[string]any{"expr": `{"payload": (flow.n ? flow.n : 0) + 1}`}},
			{ID: "out", Type: "context",
				Options: map[string]any{"action": "set", "key": "n"}},
		},
	}
	store := inmem.New()
	e := newEngine(t, f, newRegistry(t), store)

	for range 3 {
		_, err := e.Trigger(context.Background(), "in", message.New("", nil))
		require.NoError(t, err)
	}
	raw, found, err := store.Get(context.Background(), storage.FlowScopeKey("counter", "n"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(3), raw)
}
