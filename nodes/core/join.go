package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
)

// joinDef accumulates a message stream and emits one array-payload message
// once the expected count arrives. The expected count comes from the
// "count" option or, when absent, from the parts descriptor of the stream.
// Buffers are persisted per stream id so a shard restart mid-stream does
// not lose collected parts. Parts may arrive in any order; the index on
// each part restores the original order.
func joinDef() *node.Definition {
	return &node.Definition{
		Type:     "join",
		Category: "sequence",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{"count": 0},
		Execute:  executeJoin,
		OnClose: func(_ context.Context, n *node.Instance) error {
			joinLocks.Delete(n)
			return nil
		},
		Descriptor: node.Descriptor{
			Icon: "join", Color: "#e2d96e", PaletteLabel: "join",
			Properties: map[string]any{
				"count": map[string]any{"type": "integer", "minimum": 0},
			},
		},
	}
}

type (
	joinEntry struct {
		Index   int    `json:"index"`
		Ordered bool   `json:"ordered"`
		MsgID   string `json:"msg_id"`
		Payload any    `json:"payload"`
	}

	joinState struct {
		Expected int         `json:"expected"`
		Entries  []joinEntry `json:"entries"`
	}
)

// Stream parts arrive on concurrent branches; the buffer read-modify-write
// is serialised per live instance. Keying by instance keeps engines that
// host the same node id (other shards, other flows) independent, and the
// on-close hook drops the entry with the instance.
var joinLocks sync.Map // *node.Instance -> *sync.Mutex

func executeJoin(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
	lock, _ := joinLocks.LoadOrStore(n, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	streamID := "adhoc"
	entry := joinEntry{MsgID: msg.ID, Payload: msg.Payload}
	expected := n.IntOption("count")
	if msg.Parts != nil {
		streamID = msg.Parts.StreamID
		entry.Index = msg.Parts.Index
		entry.Ordered = true
		if expected == 0 {
			expected = msg.Parts.Count
		}
	}
	if expected <= 0 {
		return nil, fmt.Errorf("join: no count configured and no parts descriptor on message %s", msg.ID)
	}

	key := storage.JoinKey(n.ID())
	buffers, err := loadJoinBuffers(ctx, n, key)
	if err != nil {
		return nil, err
	}
	state := buffers[streamID]
	if state == nil {
		state = &joinState{Expected: expected}
		buffers[streamID] = state
	}
	state.Entries = append(state.Entries, entry)

	if len(state.Entries) < state.Expected {
		if err := n.Store().Put(ctx, key, buffers); err != nil {
			return nil, fmt.Errorf("join: persist buffer: %w", err)
		}
		return nil, nil
	}

	delete(buffers, streamID)
	if len(buffers) == 0 {
		err = n.Store().Delete(ctx, key)
	} else {
		err = n.Store().Put(ctx, key, buffers)
	}
	if err != nil {
		return nil, fmt.Errorf("join: persist buffer: %w", err)
	}

	entries := state.Entries
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Ordered || !entries[j].Ordered {
			return false
		}
		return entries[i].Index < entries[j].Index
	})
	payload := make([]any, len(entries))
	for i, e := range entries {
		payload[i] = e.Payload
	}

	out := msg.Clone()
	out.Payload = payload
	out.Parts = &message.Parts{StreamID: streamID, Index: 0, Count: len(entries), Type: "array"}
	return out, nil
}

func loadJoinBuffers(ctx context.Context, n *node.Instance, key string) (map[string]*joinState, error) {
	raw, ok, err := n.Store().Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("join: load buffer: %w", err)
	}
	if !ok {
		return make(map[string]*joinState), nil
	}
	buffers, err := storage.Decode[map[string]*joinState](raw)
	if err != nil {
		return nil, fmt.Errorf("join: decode buffer: %w", err)
	}
	if buffers == nil {
		buffers = make(map[string]*joinState)
	}
	return buffers, nil
}
