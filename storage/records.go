package storage

import "encoding/json"

type (
	// ScheduleRecord is the persisted state of a repeating trigger node,
	// stored under PrefixSchedule and driven by the shard alarm.
	ScheduleRecord struct {
		NodeID     string `json:"node_id"`
		FlowID     string `json:"flow_id"`
		Repeat     bool   `json:"repeat"`
		IntervalMS int64  `json:"interval_ms,omitempty"`
		NextRunMS  int64  `json:"next_run_epoch_ms"`
	}

	// DebugRecord is one entry of the shard debug ring written by debug
	// nodes, stored under PrefixDebug and trimmed by the scheduler.
	DebugRecord struct {
		Timestamp int64  `json:"timestamp"`
		NodeID    string `json:"node_id"`
		MsgID     string `json:"msg_id"`
		Value     any    `json:"value"`
	}

	// LogRecord is one in-shard execution log entry, stored under
	// PrefixLog and trimmed by the scheduler.
	LogRecord struct {
		Timestamp  int64  `json:"timestamp"`
		FlowID     string `json:"flow_id"`
		DurationMS int64  `json:"duration_ms"`
		Status     int    `json:"status"`
	}

	// RateLimitCounter is the fixed-window counter of a user shard.
	RateLimitCounter struct {
		Count   int   `json:"count"`
		ResetAt int64 `json:"reset_at"`
	}
)

// Decode converts a stored value (typically a map produced by the JSON
// codec of a backend) into the given record type.
func Decode[T any](value any) (T, error) {
	var out T
	raw, err := json.Marshal(value)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
