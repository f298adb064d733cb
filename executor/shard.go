// Package executor implements the sharded executor: one long-lived actor
// per shard identity holding hot engines, the write buffer, the route
// cache, the WebSocket set, the rate-limit counter, and the alarm clock.
// External entries are serialised through the actor mailbox; within one
// request the engine still fans out concurrently.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/catalog"
	"github.com/flowmesh/flowmesh/engine"
	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/metrics"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
	"github.com/flowmesh/flowmesh/storage/batch"
)

// Defaults of the shard tuning knobs.
const (
	DefaultEngineCacheSize = 32
	DefaultAlarmInterval   = 60 * time.Second
	DefaultIdleTimeout     = time.Hour
	DefaultMaxDebugRecords = 1000
	DefaultMaxLogRecords   = 100
	defaultMailboxDepth    = 256
)

// ErrShardClosed rejects requests after shutdown begins.
var ErrShardClosed = errors.New("shard closed")

type (
	// StoreFactory opens the durable store of one shard.
	StoreFactory func(shardID string) (storage.Store, error)

	// Config is shared by every shard of a Manager.
	Config struct {
		Catalog  catalog.Catalog
		Registry *node.Registry
		Env      map[string]string
		Stores   StoreFactory

		FlushInterval   time.Duration
		EngineCacheSize int
		RouteTTL        time.Duration
		AlarmInterval   time.Duration
		IdleTimeout     time.Duration
		MaxDebugRecords int
		MaxLogRecords   int
		RateLimit       RateLimit
		Metrics         *metrics.Metrics
	}

	// Request is one unit of work entering a shard: either a route-resolved
	// flow trigger or an internal control-plane call.
	Request struct {
		Method  string
		Path    string
		Headers map[string]string
		Query   map[string]string
		Payload any

		SessionID string

		// Internal selects a control-plane operation; empty means a
		// route-resolved trigger.
		Internal string
		// FlowID and EntryNodeID target manual execution and job
		// operations.
		FlowID      string
		EntryNodeID string
		JobID       string
	}

	// Shard is one actor. All shard-local state below mailbox is touched
	// exclusively from the actor loop.
	Shard struct {
		id   string
		kind string
		cfg  Config

		mailbox chan func()
		done    chan struct{}
		stopped sync.Once
		wg      sync.WaitGroup

		hub *Hub

		store        *batch.Buffer
		raw          storage.Store
		engines      *lru.Cache[string, *engine.Engine]
		routes       *routeCache
		lastActivity time.Time
		alarm        *time.Timer
	}
)

// ShardKind extracts the sharding dimension from a shard id
// ("session:<id>" yields "session"; the bare "global" yields "global").
func ShardKind(shardID string) string {
	if i := strings.Index(shardID, ":"); i > 0 {
		return shardID[:i]
	}
	return shardID
}

// shardSuffix is the identity part after the dimension prefix.
func shardSuffix(shardID string) string {
	if i := strings.Index(shardID, ":"); i >= 0 {
		return shardID[i+1:]
	}
	return shardID
}

// newShard opens the shard's store and starts its actor loop and alarm.
func newShard(ctx context.Context, id string, cfg Config) (*Shard, error) {
	raw, err := cfg.Stores(id)
	if err != nil {
		return nil, fmt.Errorf("open shard store %s: %w", id, err)
	}
	cacheSize := cfg.EngineCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultEngineCacheSize
	}
	engines, err := lru.NewWithEvict[string, *engine.Engine](cacheSize, func(flowID string, e *engine.Engine) {
		// Eviction runs on whatever goroutine triggered it; closing waits
		// for in-flight triggers, so do it off the actor loop.
		go func() {
			if err := e.Close(context.Background()); err != nil {
				log.Error(context.Background(), err, log.KV{K: "msg", V: "engine close failed"}, log.KV{K: "flow_id", V: flowID})
			}
		}()
	})
	if err != nil {
		return nil, err
	}

	s := &Shard{
		id:           id,
		kind:         ShardKind(id),
		cfg:          cfg,
		mailbox:      make(chan func(), defaultMailboxDepth),
		done:         make(chan struct{}),
		store:        batch.New(raw, cfg.FlushInterval),
		raw:          raw,
		engines:      engines,
		routes:       newRouteCache(cfg.RouteTTL),
		lastActivity: time.Now(),
	}
	s.hub = NewHub(shardSuffix(id), s.sessionSnapshot)

	interval := cfg.AlarmInterval
	if interval <= 0 {
		interval = DefaultAlarmInterval
	}
	if err := s.store.SetAlarm(ctx, time.Now().Add(interval)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist shard alarm failed"}, log.KV{K: "shard_id", V: id})
	}
	s.alarm = time.AfterFunc(interval, s.enqueueAlarm)

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// loop is the single consumer of the mailbox.
func (s *Shard) loop() {
	defer s.wg.Done()
	for {
		select {
		case turn := <-s.mailbox:
			turn()
		case <-s.done:
			// Drain what was enqueued before the close.
			for {
				select {
				case turn := <-s.mailbox:
					turn()
				default:
					return
				}
			}
		}
	}
}

// Handle runs one request on the actor and waits for the reply.
func (s *Shard) Handle(ctx context.Context, req *Request) (*Response, error) {
	type outcome struct {
		resp *Response
		err  error
	}
	ch := make(chan outcome, 1)
	turn := func() {
		resp, err := s.serve(ctx, req)
		ch <- outcome{resp, err}
	}
	select {
	case s.mailbox <- turn:
	case <-s.done:
		return nil, ErrShardClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-ch:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues a request without waiting for its outcome (job submits).
func (s *Shard) Submit(req *Request) error {
	detached := context.WithoutCancel(context.Background())
	turn := func() {
		if _, err := s.serve(detached, req); err != nil {
			log.Error(detached, err, log.KV{K: "msg", V: "detached request failed"}, log.KV{K: "shard_id", V: s.id})
		}
	}
	select {
	case s.mailbox <- turn:
		return nil
	case <-s.done:
		return ErrShardClosed
	}
}

// Hub returns the shard's WebSocket hub.
func (s *Shard) Hub() *Hub { return s.hub }

// ID returns the shard identity.
func (s *Shard) ID() string { return s.id }

// Close stops the actor, flushes the buffer, and closes engines and store.
func (s *Shard) Close(ctx context.Context) error {
	var errs []error
	s.stopped.Do(func() {
		close(s.done)
		s.alarm.Stop()
		s.wg.Wait()
		s.hub.Close()
		for _, flowID := range s.engines.Keys() {
			if e, ok := s.engines.Peek(flowID); ok {
				if err := e.Close(ctx); err != nil {
					errs = append(errs, fmt.Errorf("close engine %s: %w", flowID, err))
				}
			}
		}
		if err := s.store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush shard %s: %w", s.id, err))
		}
		if closer, ok := s.raw.(storage.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// serve executes one actor turn. Every turn ends with a buffer flush.
func (s *Shard) serve(ctx context.Context, req *Request) (*Response, error) {
	s.lastActivity = time.Now()
	defer func() {
		if err := s.store.Flush(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "shard flush failed"}, log.KV{K: "shard_id", V: s.id})
		}
	}()

	if s.kind == "user" {
		retryAfter, err := checkRateLimit(ctx, s.store, shardSuffix(s.id), s.effectiveRateLimit())
		if err != nil {
			return nil, err
		}
		if retryAfter > 0 {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitedTotal.Inc()
			}
			return ErrorResponse(429, "rate limit exceeded", map[string]any{
				"retry_after_seconds": retryAfter,
			}), nil
		}
	}

	var resp *Response
	var err error
	if req.Internal != "" {
		resp, err = s.serveInternal(ctx, req)
	} else {
		resp, err = s.serveTrigger(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestsTotal.WithLabelValues(s.kind, statusClass(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// serveTrigger resolves the route and runs the flow against the request
// message.
func (s *Shard) serveTrigger(ctx context.Context, req *Request) (*Response, error) {
	route, err := s.routes.resolve(ctx, s.cfg.Catalog, req.Method, req.Path)
	if err != nil {
		if errors.Is(err, catalog.ErrRouteNotFound) {
			return ErrorResponse(404, "no flow matches route", map[string]any{
				"path":   req.Path,
				"method": req.Method,
			}), nil
		}
		return nil, fmt.Errorf("resolve route: %w", err)
	}
	eng, err := s.engineFor(ctx, route.FlowID, nil)
	if err != nil {
		return s.fatal(ctx, err, 0), nil
	}

	msg := s.requestMessage(req)
	start := time.Now()
	desc, err := eng.Trigger(ctx, route.EntryNodeID, msg)
	duration := time.Since(start)
	s.recordExecution(ctx, route.FlowID, duration, desc)
	if err != nil {
		return s.fatal(ctx, err, duration.Milliseconds()), nil
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TriggerDuration.WithLabelValues(route.FlowID).Observe(duration.Seconds())
	}
	s.hub.BroadcastFlowResult(route.FlowID, resultSummary(desc), duration)
	return formatResponse(desc, route.FlowID, msg.ID, duration), nil
}

// requestMessage builds the engine input from the HTTP request.
func (s *Shard) requestMessage(req *Request) *message.Message {
	msg := message.New("", req.Payload)
	msg.SetField("method", req.Method)
	msg.SetField("path", req.Path)
	if req.SessionID != "" {
		msg.SetField("session_id", req.SessionID)
	}
	if len(req.Headers) > 0 {
		headers := make(map[string]any, len(req.Headers))
		for k, v := range req.Headers {
			headers[k] = v
		}
		msg.SetField("request_headers", headers)
	}
	if len(req.Query) > 0 {
		query := make(map[string]any, len(req.Query))
		for k, v := range req.Query {
			query[k] = v
		}
		msg.SetField("query", query)
	}
	return msg
}

// engineFor returns the cached engine of the flow, constructing and
// initialising it on first use. A pre-fetched definition avoids a second
// catalog read.
func (s *Shard) engineFor(ctx context.Context, flowID string, def *flow.Flow) (*engine.Engine, error) {
	if e, ok := s.engines.Get(flowID); ok {
		return e, nil
	}
	if def == nil {
		var err error
		def, err = s.cfg.Catalog.Flow(ctx, flowID)
		if err != nil {
			return nil, fmt.Errorf("fetch flow %s: %w", flowID, err)
		}
	}
	e := engine.New(def, engine.Options{
		Registry: s.cfg.Registry,
		Store:    s.store,
		Env:      s.cfg.Env,
		StatusSink: func(_ context.Context, ref message.NodeRef, status node.Status) {
			s.hub.broadcast(map[string]any{
				"type":    "node_status",
				"flow_id": flowID,
				"node_id": ref.ID,
				"status":  status,
			})
		},
	})
	if err := e.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize flow %s: %w", flowID, err)
	}
	if m := s.cfg.Metrics; m != nil {
		e.Bus().On(node.EventNodeError, func(_ context.Context, payload any) {
			if ev, ok := payload.(*node.ErrorEvent); ok {
				m.NodeErrorsTotal.WithLabelValues(ev.Source.Type).Inc()
			}
		})
	}
	s.engines.Add(flowID, e)
	return e, nil
}

// dropFlow evicts the engine and routes of one flow (catalog invalidation).
func (s *Shard) dropFlow(flowID string) {
	s.engines.Remove(flowID)
	s.routes.dropFlow(flowID)
}

// Invalidate schedules a cache drop for the flow on the actor.
func (s *Shard) Invalidate(flowID string) {
	select {
	case s.mailbox <- func() { s.dropFlow(flowID) }:
	case <-s.done:
	}
}

// fatal maps an engine-boundary failure onto the 500 envelope. The buffer
// flush happens in serve's defer.
func (s *Shard) fatal(ctx context.Context, err error, durationMS int64) *Response {
	log.Error(ctx, err, log.KV{K: "msg", V: "request failed"}, log.KV{K: "shard_id", V: s.id})
	return ErrorResponse(500, err.Error(), map[string]any{"duration_ms": durationMS})
}

// recordExecution appends the in-shard execution log record.
func (s *Shard) recordExecution(ctx context.Context, flowID string, duration time.Duration, desc *message.HTTPResponse) {
	status := 200
	if desc != nil && desc.StatusCode != 0 {
		status = desc.StatusCode
	}
	ts := time.Now().UnixMilli()
	record := storage.LogRecord{
		Timestamp:  ts,
		FlowID:     flowID,
		DurationMS: duration.Milliseconds(),
		Status:     status,
	}
	if err := s.store.Put(ctx, storage.LogKey(ts), record); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "append execution log failed"}, log.KV{K: "shard_id", V: s.id})
	}
}

// sessionSnapshot reads the session scratch through the actor so WebSocket
// frames observe a consistent turn.
func (s *Shard) sessionSnapshot(ctx context.Context) map[string]any {
	ch := make(chan map[string]any, 1)
	turn := func() {
		values, err := s.store.GetMany(ctx, storage.PrefixSession)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "session snapshot failed"}, log.KV{K: "shard_id", V: s.id})
			ch <- nil
			return
		}
		out := make(map[string]any, len(values))
		for k, v := range values {
			out[strings.TrimPrefix(k, storage.PrefixSession)] = v
		}
		ch <- out
	}
	select {
	case s.mailbox <- turn:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case session := <-ch:
		return session
	case <-ctx.Done():
		return nil
	}
}

func (s *Shard) effectiveRateLimit() RateLimit {
	if s.cfg.RateLimit.Requests > 0 {
		return s.cfg.RateLimit
	}
	return DefaultRateLimit
}

func (s *Shard) enqueueAlarm() {
	select {
	case s.mailbox <- func() { s.onAlarm(context.Background()) }:
	case <-s.done:
	}
}

func resultSummary(desc *message.HTTPResponse) any {
	if desc == nil {
		return map[string]any{"success": true}
	}
	return map[string]any{"status": desc.StatusCode}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
