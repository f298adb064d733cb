package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
)

// injectDef emits a message on manual trigger or scheduled tick. With a
// repeat interval configured, OnInit persists a schedule record that the
// shard alarm fires. Crontab expressions are not supported; a crontab
// option is rejected with a warning and the node stays manual-only.
func injectDef() *node.Definition {
	return &node.Definition{
		Type:     "inject",
		Category: "input",
		Inputs:   0,
		Outputs:  1,
		Defaults: map[string]any{
			"payload_type": "date",
			"payload":      nil,
			"topic":        "",
			"repeat_ms":    0,
		},
		OnInit:  initInject,
		OnClose: closeInject,
		Execute: executeInject,
		Descriptor: node.Descriptor{
			Icon: "inject", Color: "#a6bbcf", PaletteLabel: "inject",
			Properties: map[string]any{
				"payload_type": map[string]any{"type": "string", "enum": []any{"date", "str", "num", "bool", "json"}},
				"payload":      map[string]any{},
				"topic":        map[string]any{"type": "string"},
				"repeat_ms":    map[string]any{"type": "integer", "minimum": 0},
			},
		},
	}
}

func initInject(ctx context.Context, n *node.Instance) error {
	if _, ok := n.Config().Options["crontab"]; ok {
		n.Warn(ctx, "inject: crontab scheduling is not supported, node will only fire manually or on interval")
	}
	interval := n.DurationOption("repeat_ms")
	if interval <= 0 {
		return nil
	}
	record := storage.ScheduleRecord{
		NodeID:     n.ID(),
		FlowID:     n.FlowID(),
		Repeat:     true,
		IntervalMS: interval.Milliseconds(),
		NextRunMS:  time.Now().Add(interval).UnixMilli(),
	}
	if err := n.Store().Put(ctx, storage.ScheduleKey(n.ID()), record); err != nil {
		return fmt.Errorf("inject %s: persist schedule: %w", n.ID(), err)
	}
	return nil
}

func closeInject(ctx context.Context, n *node.Instance) error {
	if n.DurationOption("repeat_ms") <= 0 {
		return nil
	}
	return n.Store().Delete(ctx, storage.ScheduleKey(n.ID()))
}

func executeInject(_ context.Context, n *node.Instance, msg *message.Message) (any, error) {
	if topic := n.StringOption("topic"); topic != "" && msg.Topic == "" {
		msg.Topic = topic
	}
	payload, err := injectPayload(n)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return msg, nil
}

func injectPayload(n *node.Instance) (any, error) {
	raw := n.Config().Options["payload"]
	if raw == nil {
		raw = n.Definition().Defaults["payload"]
	}
	switch n.StringOption("payload_type") {
	case "date", "":
		return time.Now().UnixMilli(), nil
	case "str":
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	case "num":
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			var f float64
			if err := json.Unmarshal([]byte(v), &f); err != nil {
				return nil, fmt.Errorf("inject: payload is not a number: %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("inject: payload is not a number: %v", raw)
	case "bool":
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return v == "true", nil
		}
		return nil, fmt.Errorf("inject: payload is not a bool: %v", raw)
	case "json":
		s, ok := raw.(string)
		if !ok {
			// Structured payloads pass through as-is.
			return raw, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("inject: invalid json payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("inject: unknown payload type %q", n.StringOption("payload_type"))
	}
}
