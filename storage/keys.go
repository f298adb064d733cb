package storage

import (
	"fmt"
	"strconv"
)

// Key prefixes of the persisted schema. These are bit-stable: changing them
// orphans existing shard data.
const (
	PrefixFlowScope   = "f:"
	PrefixGlobalScope = "g:"
	PrefixSession     = "s:"
	PrefixDebug       = "d:"
	PrefixLog         = "l:"
	PrefixJoin        = "j:"
	PrefixSchedule    = "sched:"
	PrefixRateLimit   = "rl:"
	PrefixCache       = "cache:"
	PrefixFile        = "file:"
	PrefixNode        = "n:"
)

// FlowScopeKey namespaces a flow-scope entry per flow id.
func FlowScopeKey(flowID, key string) string {
	return PrefixFlowScope + flowID + ":" + key
}

// GlobalScopeKey namespaces a shard-global entry.
func GlobalScopeKey(key string) string { return PrefixGlobalScope + key }

// SessionKey namespaces a session scratch entry.
func SessionKey(key string) string { return PrefixSession + key }

// DebugKey addresses one debug record by node and timestamp.
func DebugKey(nodeID string, ts int64) string {
	return fmt.Sprintf("%s%s:%013d", PrefixDebug, nodeID, ts)
}

// LogKey addresses one in-shard execution log record by timestamp.
func LogKey(ts int64) string {
	return PrefixLog + fmt.Sprintf("%013d", ts)
}

// JoinKey addresses the buffered messages of a join node.
func JoinKey(nodeID string) string { return PrefixJoin + nodeID }

// ScheduleKey addresses the schedule record of a repeating trigger node.
func ScheduleKey(nodeID string) string { return PrefixSchedule + nodeID }

// RateLimitKey addresses the fixed-window counter of a user shard.
func RateLimitKey(userID string) string { return PrefixRateLimit + userID }

// NodeKey namespaces a per-node KV entry.
func NodeKey(nodeID, key string) string { return PrefixNode + nodeID + ":" + key }

// FileKey addresses file-node storage by name.
func FileKey(name string) string { return PrefixFile + name }

// CacheKey addresses a miscellaneous cache entry.
func CacheKey(parts ...string) string {
	key := PrefixCache
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// ParseTimestamp recovers the timestamp suffix of a debug or log key.
func ParseTimestamp(key string) (int64, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			ts, err := strconv.ParseInt(key[i+1:], 10, 64)
			return ts, err == nil
		}
	}
	return 0, false
}
