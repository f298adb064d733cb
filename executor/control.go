package executor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/storage"
)

// Internal control-plane operations reachable through Request.Internal.
const (
	OpStatus        = "status"
	OpSessionInfo   = "session/info"
	OpSessionClear  = "session/clear"
	OpDebugMessages = "debug/messages"
	OpCacheClear    = "cache/clear"
	OpExecute       = "execute"
	OpJobRun        = "job/run"
	OpJobStatus     = "job/status"
	OpJobResult     = "job/result"
)

// Session scratch keys of the job lifecycle.
const (
	jobStatusKey = "job_status"
	jobResultKey = "job_result"
)

// serveInternal dispatches the control plane. These calls run as ordinary
// actor turns, so they observe and mutate shard state without races.
func (s *Shard) serveInternal(ctx context.Context, req *Request) (*Response, error) {
	switch req.Internal {
	case OpStatus:
		return JSONResponse(200, map[string]any{
			"shard_id":         s.id,
			"kind":             s.kind,
			"engines":          len(s.engines.Keys()),
			"websockets":       s.hub.Count(),
			"last_activity_ms": s.lastActivity.UnixMilli(),
		}), nil

	case OpSessionInfo:
		values, err := s.store.GetMany(ctx, storage.PrefixSession)
		if err != nil {
			return nil, fmt.Errorf("session info: %w", err)
		}
		session := make(map[string]any, len(values))
		for k, v := range values {
			session[strings.TrimPrefix(k, storage.PrefixSession)] = v
		}
		return JSONResponse(200, map[string]any{
			"session_id": req.SessionID,
			"session":    session,
		}), nil

	case OpSessionClear:
		keys, err := s.store.List(ctx, storage.PrefixSession)
		if err != nil {
			return nil, fmt.Errorf("session clear: %w", err)
		}
		if len(keys) > 0 {
			if err := s.store.DeleteMany(ctx, keys); err != nil {
				return nil, fmt.Errorf("session clear: %w", err)
			}
		}
		return JSONResponse(200, map[string]any{"success": true, "cleared": len(keys)}), nil

	case OpDebugMessages:
		return s.debugMessages(ctx, req)

	case OpCacheClear:
		dropped := len(s.engines.Keys())
		s.engines.Purge()
		s.routes.clear()
		return JSONResponse(200, map[string]any{"success": true, "engines_dropped": dropped}), nil

	case OpExecute:
		return s.manualExecute(ctx, req)

	case OpJobRun:
		return s.jobRun(ctx, req)

	case OpJobStatus:
		return s.jobRead(ctx, req, jobStatusKey)

	case OpJobResult:
		return s.jobRead(ctx, req, jobResultKey)

	default:
		return ErrorResponse(404, "unknown internal operation", map[string]any{"op": req.Internal}), nil
	}
}

// debugMessages returns the shard debug ring in timestamp order, optionally
// filtered to one node.
func (s *Shard) debugMessages(ctx context.Context, req *Request) (*Response, error) {
	prefix := storage.PrefixDebug
	if nodeID := req.Query["node_id"]; nodeID != "" {
		prefix += nodeID + ":"
	}
	values, err := s.store.GetMany(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("debug messages: %w", err)
	}
	records := make([]storage.DebugRecord, 0, len(values))
	for key, raw := range values {
		record, err := storage.Decode[storage.DebugRecord](raw)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "corrupt debug record"}, log.KV{K: "key", V: key})
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })
	return JSONResponse(200, map[string]any{"messages": records}), nil
}

// manualExecute triggers a flow from an explicit entry node.
func (s *Shard) manualExecute(ctx context.Context, req *Request) (*Response, error) {
	if req.FlowID == "" || req.EntryNodeID == "" {
		return ErrorResponse(400, "flow_id and entry_node_id are required", nil), nil
	}
	eng, err := s.engineFor(ctx, req.FlowID, nil)
	if err != nil {
		return s.fatal(ctx, err, 0), nil
	}
	msg := message.New("manual", req.Payload)
	start := time.Now()
	desc, err := eng.Trigger(ctx, req.EntryNodeID, msg)
	duration := time.Since(start)
	s.recordExecution(ctx, req.FlowID, duration, desc)
	if err != nil {
		return s.fatal(ctx, err, duration.Milliseconds()), nil
	}
	s.hub.BroadcastFlowResult(req.FlowID, resultSummary(desc), duration)
	return formatResponse(desc, req.FlowID, msg.ID, duration), nil
}

// jobRun executes the job's underlying route and records its status and
// result in session scratch for polling. Invoked fire-and-forget via
// Submit.
func (s *Shard) jobRun(ctx context.Context, req *Request) (*Response, error) {
	if err := s.store.Put(ctx, storage.SessionKey(jobStatusKey), map[string]any{
		"job_id": req.JobID,
		"state":  "running",
	}); err != nil {
		return nil, fmt.Errorf("job run: %w", err)
	}

	trigger := *req
	trigger.Internal = ""
	resp, err := s.serveTrigger(ctx, &trigger)

	state := "done"
	if err != nil || resp.StatusCode >= 400 {
		state = "failed"
	}
	status := map[string]any{"job_id": req.JobID, "state": state}
	if err != nil {
		status["error"] = err.Error()
	} else {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("job run: read result: %w", readErr)
		}
		if putErr := s.store.Put(ctx, storage.SessionKey(jobResultKey), map[string]any{
			"job_id":      req.JobID,
			"status_code": resp.StatusCode,
			"body":        string(raw),
		}); putErr != nil {
			return nil, fmt.Errorf("job run: persist result: %w", putErr)
		}
	}
	if putErr := s.store.Put(ctx, storage.SessionKey(jobStatusKey), status); putErr != nil {
		return nil, fmt.Errorf("job run: persist status: %w", putErr)
	}
	return JSONResponse(202, status), err
}

// jobRead polls a job record.
func (s *Shard) jobRead(ctx context.Context, req *Request, key string) (*Response, error) {
	value, found, err := s.store.Get(ctx, storage.SessionKey(key))
	if err != nil {
		return nil, fmt.Errorf("job read: %w", err)
	}
	if !found {
		return ErrorResponse(404, "job not found", map[string]any{"job_id": req.JobID}), nil
	}
	return JSONResponse(200, value), nil
}
