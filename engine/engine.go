// Package engine implements the per-flow interpreter: it owns one node
// instance per accepted node configuration, evaluates an entry node against
// an initial message, fans out along wires concurrently, contains node
// errors at the node boundary, and captures the first terminal HTTP
// response observed during a trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
)

// DefaultMaxExecutions bounds the node executions of one trigger. Wiring
// permits cycles and the engine does not dedupe, so runaway loops are cut
// off by this ceiling and by the ambient context deadline.
const DefaultMaxExecutions = 10000

// Sentinel errors.
var (
	ErrEngineClosed    = errors.New("engine closed")
	ErrUnknownNode     = errors.New("unknown node id")
	ErrBudgetExhausted = errors.New("trigger execution budget exhausted")
)

type (
	// Engine hosts the node instances of one flow. Concurrent Trigger calls
	// share the instances but carry independent messages and independent
	// response slots.
	Engine struct {
		flow   *flow.Flow
		reg    *node.Registry
		ec     *ExecContext
		bus    *node.Bus
		nodes  map[string]*node.Instance
		order  []string
		maxRun int64

		statusSink StatusSink

		inflight sync.WaitGroup
		closed   atomic.Bool
		inited   bool
	}

	// Options configures an Engine.
	Options struct {
		// Registry supplies node definitions. Defaults to node.Default.
		Registry *node.Registry
		// Store is the shard storage handle, normally a batch.Buffer.
		Store storage.Store
		// Env is the environment dictionary exposed to node bodies.
		Env map[string]string
		// MaxExecutions bounds per-trigger work. Defaults to
		// DefaultMaxExecutions.
		MaxExecutions int
		// StatusSink observes node status writes, used by the executor to
		// broadcast over the shard WebSocket channel. Optional.
		StatusSink StatusSink
	}

	// StatusSink observes node status writes.
	StatusSink func(ctx context.Context, ref message.NodeRef, status node.Status)

	// run tracks one trigger: the spawned branch group, the execution
	// budget, and the terminal response slot. The slot is written by
	// compare-and-swap so exactly one descriptor wins regardless of branch
	// interleaving.
	run struct {
		wg       sync.WaitGroup
		executed atomic.Int64
		budget   int64
		response atomic.Pointer[message.HTTPResponse]
		warned   atomic.Bool
	}
)

type runKey struct{}

func withRun(ctx context.Context, r *run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

func runFrom(ctx context.Context) (*run, bool) {
	r, ok := ctx.Value(runKey{}).(*run)
	return r, ok
}

// New constructs an engine for the flow. Call Initialize before Trigger.
func New(f *flow.Flow, opts Options) *Engine {
	reg := opts.Registry
	if reg == nil {
		reg = node.Default
	}
	maxRun := int64(opts.MaxExecutions)
	if maxRun <= 0 {
		maxRun = DefaultMaxExecutions
	}
	return &Engine{
		flow:       f,
		reg:        reg,
		ec:         NewExecContext(f.ID, opts.Store, opts.Env),
		bus:        node.NewBus(),
		nodes:      make(map[string]*node.Instance),
		maxRun:     maxRun,
		statusSink: opts.StatusSink,
	}
}

// Flow returns the flow definition the engine hosts.
func (e *Engine) Flow() *flow.Flow { return e.flow }

// Bus returns the intra-flow event bus.
func (e *Engine) Bus() *node.Bus { return e.bus }

// Node returns the live instance with the given id.
func (e *Engine) Node(id string) (*node.Instance, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// Initialize builds one instance per node configuration with a registered
// type. Unknown types are logged and skipped. Once all instances exist the
// on-init hooks run sequentially in configuration order; the first hook
// error aborts initialisation.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.inited {
		return nil
	}
	for _, cfg := range e.flow.Nodes {
		def, ok := e.reg.Lookup(cfg.Type)
		if !ok {
			log.Warn(ctx,
				log.KV{K: "msg", V: "unknown node type, skipping node"},
				log.KV{K: "node_id", V: cfg.ID},
				log.KV{K: "node_type", V: cfg.Type},
				log.KV{K: "flow_id", V: e.flow.ID})
			continue
		}
		outputs := def.Outputs
		if def.OutputCount != nil {
			if c := def.OutputCount(cfg); c > outputs {
				outputs = c
			}
		}
		if outputs > 0 && len(cfg.Wires) > outputs {
			log.Warn(ctx,
				log.KV{K: "msg", V: "node wires exceed declared outputs"},
				log.KV{K: "node_id", V: cfg.ID},
				log.KV{K: "node_type", V: cfg.Type},
				log.KV{K: "wires", V: len(cfg.Wires)},
				log.KV{K: "outputs", V: outputs})
		}
		e.nodes[cfg.ID] = node.NewInstance(def, cfg, e, e.bus)
		e.order = append(e.order, cfg.ID)
	}
	e.subscribeEventNodes(ctx)
	for _, id := range e.order {
		n := e.nodes[id]
		if hook := n.Definition().OnInit; hook != nil {
			if err := hook(ctx, n); err != nil {
				return fmt.Errorf("init node %s (%s): %w", n.ID(), n.Type(), err)
			}
		}
	}
	e.inited = true
	return nil
}

// subscribeEventNodes wires catch and status nodes into the engine's event
// channels. Catch scope is flow-global: every catch node of the flow
// receives every node error of the flow.
func (e *Engine) subscribeEventNodes(ctx context.Context) {
	for _, id := range e.order {
		n := e.nodes[id]
		switch n.Type() {
		case "catch":
			catch := n
			e.bus.On(node.EventNodeError, func(ctx context.Context, payload any) {
				ev, ok := payload.(*node.ErrorEvent)
				if !ok || ev.Source.ID == catch.ID() {
					return
				}
				e.dispatchEvent(ctx, catch, errorMessage(ev))
			})
		case "status":
			status := n
			e.bus.On(node.EventNodeStatus, func(ctx context.Context, payload any) {
				ev, ok := payload.(*node.StatusEvent)
				if !ok || ev.Source.ID == status.ID() {
					return
				}
				e.dispatchEvent(ctx, status, statusMessage(ev))
			})
		}
	}
}

// dispatchEvent routes a synthetic message into an event node. When the
// emitting branch belongs to a trigger the execution joins its run;
// otherwise it runs detached but tracked for Close.
func (e *Engine) dispatchEvent(ctx context.Context, n *node.Instance, msg *message.Message) {
	if r, ok := runFrom(ctx); ok {
		e.spawn(ctx, r, n.ID(), []*message.Message{msg})
		return
	}
	r := &run{budget: e.maxRun}
	e.spawn(withRun(ctx, r), r, n.ID(), []*message.Message{msg})
}

func errorMessage(ev *node.ErrorEvent) *message.Message {
	var msg *message.Message
	if ev.Msg != nil {
		msg = ev.Msg.Clone()
	} else {
		msg = message.New("", nil)
	}
	msg.Error = &message.ExecError{Message: ev.Err.Error(), Source: ev.Source}
	return msg
}

func statusMessage(ev *node.StatusEvent) *message.Message {
	msg := message.New("", map[string]any{
		"fill":  ev.Status.Fill,
		"shape": ev.Status.Shape,
		"text":  ev.Status.Text,
	})
	msg.SetField("source", map[string]any{
		"id":   ev.Source.ID,
		"type": ev.Source.Type,
		"name": ev.Source.Name,
	})
	return msg
}

// Trigger runs the graph with msg as the input of the entry node and
// returns the terminal HTTP response captured during execution, if any.
// It resolves only once every transitively spawned branch has resolved.
func (e *Engine) Trigger(ctx context.Context, entryID string, msg *message.Message) (*message.HTTPResponse, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if _, ok := e.nodes[entryID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, entryID)
	}
	r := &run{budget: e.maxRun}
	ctx = withRun(ctx, r)
	e.inflight.Add(1)
	defer e.inflight.Done()
	e.executeNode(ctx, r, entryID, msg)
	r.wg.Wait()
	return r.response.Load(), nil
}

// ExecuteNode executes one node, applies output routing, and returns the
// raw node output. Outside a trigger it waits for the work it spawns.
func (e *Engine) ExecuteNode(ctx context.Context, nodeID string, msg *message.Message) (any, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if _, ok := e.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	r, ok := runFrom(ctx)
	if !ok {
		r = &run{budget: e.maxRun}
		ctx = withRun(ctx, r)
		defer r.wg.Wait()
	}
	e.inflight.Add(1)
	defer e.inflight.Done()
	return e.executeNode(ctx, r, nodeID, msg), nil
}

// Close awaits in-flight executions, runs the on-close hooks, and clears
// the node instances. The engine rejects triggers once closing starts.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	e.inflight.Wait()
	var errs []error
	for _, id := range e.order {
		n := e.nodes[id]
		if hook := n.Definition().OnClose; hook != nil {
			if err := hook(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("close node %s: %w", id, err))
			}
		}
	}
	e.nodes = make(map[string]*node.Instance)
	e.order = nil
	return errors.Join(errs...)
}

// executeNode runs one node body and routes its output. Node errors are
// contained here: logged, raised on the catch channel, and the branch's
// downstream routing suppressed. The return value is the raw node output.
func (e *Engine) executeNode(ctx context.Context, r *run, nodeID string, msg *message.Message) any {
	if ctx.Err() != nil {
		return nil
	}
	if r.executed.Add(1) > r.budget {
		if r.warned.CompareAndSwap(false, true) {
			log.Warn(ctx,
				log.KV{K: "msg", V: ErrBudgetExhausted.Error()},
				log.KV{K: "flow_id", V: e.flow.ID},
				log.KV{K: "budget", V: r.budget})
		}
		return nil
	}
	n, ok := e.nodes[nodeID]
	if !ok {
		log.Warn(ctx,
			log.KV{K: "msg", V: "wire targets missing node instance"},
			log.KV{K: "node_id", V: nodeID},
			log.KV{K: "flow_id", V: e.flow.ID})
		return nil
	}
	out, err := n.Definition().Execute(ctx, n, msg)
	if err != nil {
		e.RaiseError(ctx, n.Ref(), err, msg)
		return nil
	}
	e.observeResponse(r, msg)
	e.route(ctx, r, n, out)
	return out
}

// route applies the node-output contract to out and fans the produced
// messages out along the node's wires. Every delivery receives an
// independent deep copy. Distinct targets and outputs run concurrently;
// the messages bound for one target on one output are delivered in emit
// order, so multi-message returns and split parts hold their sequence on
// the wire.
func (e *Engine) route(ctx context.Context, r *run, n *node.Instance, out any) {
	outputs := normalizeOutput(out, len(n.Config().Wires))
	for i, msgs := range outputs {
		targets := n.Config().Wires[i]
		if len(targets) == 0 {
			continue
		}
		live := make([]*message.Message, 0, len(msgs))
		for _, m := range msgs {
			if m == nil {
				continue
			}
			e.observeResponse(r, m)
			live = append(live, m)
		}
		if len(live) == 0 {
			continue
		}
		for _, target := range targets {
			clones := make([]*message.Message, len(live))
			for j, m := range live {
				clones[j] = m.Clone()
			}
			e.spawn(ctx, r, target, clones)
		}
	}
}

// spawn delivers msgs to one target on a fresh branch goroutine. The slice
// is drained sequentially inside the goroutine; concurrency happens across
// spawns, never within one wire's delivery sequence.
func (e *Engine) spawn(ctx context.Context, r *run, nodeID string, msgs []*message.Message) {
	if ctx.Err() != nil || len(msgs) == 0 {
		return
	}
	r.wg.Add(1)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer r.wg.Done()
		for _, m := range msgs {
			e.executeNode(ctx, r, nodeID, m)
		}
	}()
}

// observeResponse claims the trigger's response slot for the message's
// terminal descriptor. The compare-and-swap serialises observation so
// exactly one descriptor is returned per trigger.
func (e *Engine) observeResponse(r *run, msg *message.Message) {
	if msg == nil || msg.Response == nil {
		return
	}
	resp := *msg.Response
	resp.Payload = message.CopyValue(msg.Response.Payload)
	if msg.Response.Headers != nil {
		resp.Headers = make(map[string]string, len(msg.Response.Headers))
		for k, v := range msg.Response.Headers {
			resp.Headers[k] = v
		}
	}
	r.response.CompareAndSwap(nil, &resp)
}

// normalizeOutput maps a node's return value onto per-output message lists.
//
//	nil            -> consumed
//	*Message       -> output 0
//	[]*Message     -> element i on output i
//	[]any          -> element i on output i; elements may be nil, a message,
//	                  or a slice of messages fanning out on one output
func normalizeOutput(out any, wired int) [][]*message.Message {
	result := make([][]*message.Message, wired)
	if out == nil || wired == 0 {
		return result
	}
	assign := func(i int, msgs ...*message.Message) {
		if i < wired {
			result[i] = append(result[i], msgs...)
		}
	}
	switch tv := out.(type) {
	case *message.Message:
		assign(0, tv)
	case []*message.Message:
		for i, m := range tv {
			if m != nil {
				assign(i, m)
			}
		}
	case []any:
		for i, elem := range tv {
			switch ev := elem.(type) {
			case nil:
			case *message.Message:
				assign(i, ev)
			case []*message.Message:
				assign(i, ev...)
			case []any:
				for _, inner := range ev {
					if m, ok := inner.(*message.Message); ok {
						assign(i, m)
					}
				}
			}
		}
	}
	return result
}

// node.Runtime implementation.

// FlowID identifies the hosted flow.
func (e *Engine) FlowID() string { return e.flow.ID }

// FlowKV returns the flow-scope store.
func (e *Engine) FlowKV() node.KV { return e.ec.FlowKV() }

// GlobalKV returns the shard-global store.
func (e *Engine) GlobalKV() node.KV { return e.ec.GlobalKV() }

// NodeKV returns the private store of the given node.
func (e *Engine) NodeKV(nodeID string) node.KV { return e.ec.NodeKV(nodeID) }

// Env exposes the environment dictionary.
func (e *Engine) Env() map[string]string { return e.ec.Env() }

// Store exposes the shard storage handle.
func (e *Engine) Store() storage.Store { return e.ec.Store() }

// StatusChanged publishes the status event and forwards it to the sink.
func (e *Engine) StatusChanged(ctx context.Context, ref message.NodeRef, status node.Status) {
	e.bus.Emit(ctx, node.EventNodeStatus, &node.StatusEvent{Source: ref, Status: status})
	if e.statusSink != nil {
		e.statusSink(ctx, ref, status)
	}
}

// RaiseError logs a node error with its source and offending message and
// publishes it for catch nodes. Sibling branches are unaffected.
func (e *Engine) RaiseError(ctx context.Context, ref message.NodeRef, err error, msg *message.Message) {
	fields := []log.Fielder{
		log.KV{K: "msg", V: "node execution failed"},
		log.KV{K: "node_id", V: ref.ID},
		log.KV{K: "node_type", V: ref.Type},
		log.KV{K: "flow_id", V: e.flow.ID},
	}
	if msg != nil {
		fields = append(fields, log.KV{K: "msg_id", V: msg.ID})
	}
	log.Error(ctx, err, fields...)
	e.bus.Emit(ctx, node.EventNodeError, &node.ErrorEvent{Source: ref, Err: err, Msg: msg})
}
