package executor

import (
	"context"
	"sort"
	"time"

	"goa.design/clue/log"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/storage"
)

// onAlarm is the shard's periodic tick: fire due schedule records, run
// housekeeping, and re-arm. It executes as one actor turn, so no external
// request interleaves with it.
func (s *Shard) onAlarm(ctx context.Context) {
	defer func() {
		if err := s.store.Flush(ctx); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "alarm flush failed"}, log.KV{K: "shard_id", V: s.id})
		}
		s.rearm(ctx)
	}()

	now := time.Now().UnixMilli()
	s.fireSchedules(ctx, now)
	s.housekeep(ctx)
}

// fireSchedules runs every schedule record whose next run has passed.
// Records execute sequentially, so overruns of the same record never
// overlap.
func (s *Shard) fireSchedules(ctx context.Context, now int64) {
	values, err := s.store.GetMany(ctx, storage.PrefixSchedule)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "enumerate schedules failed"}, log.KV{K: "shard_id", V: s.id})
		return
	}
	for key, raw := range values {
		record, err := storage.Decode[storage.ScheduleRecord](raw)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "corrupt schedule record"}, log.KV{K: "key", V: key})
			continue
		}
		if record.NextRunMS > now {
			continue
		}
		s.fireSchedule(ctx, &record, now)
		if record.Repeat && record.IntervalMS > 0 {
			record.NextRunMS = now + record.IntervalMS
			if err := s.store.Put(ctx, key, record); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "persist schedule failed"}, log.KV{K: "key", V: key})
			}
		} else if err := s.store.Delete(ctx, key); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "remove one-shot schedule failed"}, log.KV{K: "key", V: key})
		}
	}
}

func (s *Shard) fireSchedule(ctx context.Context, record *storage.ScheduleRecord, now int64) {
	eng, err := s.engineFor(ctx, record.FlowID, nil)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduled flow unavailable"},
			log.KV{K: "flow_id", V: record.FlowID}, log.KV{K: "node_id", V: record.NodeID})
		return
	}
	msg := message.New("scheduled", now)
	if _, err := eng.ExecuteNode(ctx, record.NodeID, msg); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "scheduled execution failed"},
			log.KV{K: "flow_id", V: record.FlowID}, log.KV{K: "node_id", V: record.NodeID})
	}
}

// housekeep applies idle eviction and retention trimming.
func (s *Shard) housekeep(ctx context.Context) {
	idleTimeout := s.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if time.Since(s.lastActivity) > idleTimeout {
		s.evictIdle(ctx)
	}

	maxDebug := s.cfg.MaxDebugRecords
	if maxDebug <= 0 {
		maxDebug = DefaultMaxDebugRecords
	}
	s.trim(ctx, storage.PrefixDebug, maxDebug)

	maxLogs := s.cfg.MaxLogRecords
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogRecords
	}
	s.trim(ctx, storage.PrefixLog, maxLogs)
}

// evictIdle drops engines, session scratch, and the route cache. Flow and
// global KV state stays durable; the next request cold-starts.
func (s *Shard) evictIdle(ctx context.Context) {
	log.Info(ctx, log.KV{K: "msg", V: "idle eviction"}, log.KV{K: "shard_id", V: s.id})
	s.engines.Purge()
	s.routes.clear()
	keys, err := s.store.List(ctx, storage.PrefixSession)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "list session scratch failed"}, log.KV{K: "shard_id", V: s.id})
		return
	}
	if len(keys) > 0 {
		if err := s.store.DeleteMany(ctx, keys); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "clear session scratch failed"}, log.KV{K: "shard_id", V: s.id})
		}
	}
}

// trim deletes the oldest records beyond the cap. Record keys end with a
// zero-padded timestamp, so age is recoverable from the key itself.
func (s *Shard) trim(ctx context.Context, prefix string, max int) {
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "list records failed"}, log.KV{K: "prefix", V: prefix})
		return
	}
	if len(keys) <= max {
		return
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, _ := storage.ParseTimestamp(keys[i])
		tj, _ := storage.ParseTimestamp(keys[j])
		return ti < tj
	})
	doomed := keys[:len(keys)-max]
	if err := s.store.DeleteMany(ctx, doomed); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "trim records failed"}, log.KV{K: "prefix", V: prefix})
	}
}

// rearm persists and schedules the next tick.
func (s *Shard) rearm(ctx context.Context) {
	interval := s.cfg.AlarmInterval
	if interval <= 0 {
		interval = DefaultAlarmInterval
	}
	if err := s.store.SetAlarm(ctx, time.Now().Add(interval)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist shard alarm failed"}, log.KV{K: "shard_id", V: s.id})
	}
	s.alarm.Reset(interval)
}
