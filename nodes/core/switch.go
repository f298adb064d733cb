package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// switchDef routes a message onto the outputs whose rules match. Rule i
// guards output i. With checkall=false evaluation stops after the first
// match. Each matching output receives its own clone downstream via the
// engine's routing copy.
//
// Rule shape: {"t": op, "v": operand, "v2": operand}. Supported ops:
// eq neq lt lte gt gte btwn cont regex true false null nnull empty nempty
// istype.
func switchDef() *node.Definition {
	return &node.Definition{
		Type:     "switch",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		OutputCount: func(cfg *flow.NodeConfig) int {
			return len(cfg.SliceOption("rules"))
		},
		Defaults: map[string]any{"property": "payload", "checkall": true},
		Execute:  executeSwitch,
		Descriptor: node.Descriptor{
			Icon: "switch", Color: "#e2d96e", PaletteLabel: "switch",
			Properties: map[string]any{
				"property": map[string]any{"type": "string"},
				"rules":    map[string]any{"type": "array"},
				"checkall": map[string]any{"type": "boolean"},
			},
		},
	}
}

func executeSwitch(_ context.Context, n *node.Instance, msg *message.Message) (any, error) {
	property := n.StringOption("property")
	if property == "" {
		property = "payload"
	}
	value, err := msg.Get(property)
	if err != nil {
		value = nil
	}

	rules := n.SliceOption("rules")
	out := make([]any, len(rules))
	checkall := n.BoolOption("checkall") || !hasOption(n, "checkall")
	for i, rv := range rules {
		rule, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		matched, err := matchRule(value, rule)
		if err != nil {
			return nil, fmt.Errorf("switch: rule %d: %w", i, err)
		}
		if matched {
			out[i] = msg
			if !checkall {
				break
			}
		}
	}
	return out, nil
}

func hasOption(n *node.Instance, name string) bool {
	_, ok := n.Config().Options[name]
	return ok
}

func matchRule(value any, rule map[string]any) (bool, error) {
	op, _ := rule["t"].(string)
	switch op {
	case "eq":
		return looseEqual(value, rule["v"]), nil
	case "neq":
		return !looseEqual(value, rule["v"]), nil
	case "lt", "lte", "gt", "gte":
		a, aok := asNumber(value)
		b, bok := asNumber(rule["v"])
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case "lt":
			return a < b, nil
		case "lte":
			return a <= b, nil
		case "gt":
			return a > b, nil
		default:
			return a >= b, nil
		}
	case "btwn":
		a, aok := asNumber(value)
		lo, lok := asNumber(rule["v"])
		hi, hok := asNumber(rule["v2"])
		return aok && lok && hok && a >= lo && a <= hi, nil
	case "cont":
		s, sok := value.(string)
		sub, subok := rule["v"].(string)
		return sok && subok && strings.Contains(s, sub), nil
	case "regex":
		s, sok := value.(string)
		pattern, pok := rule["v"].(string)
		if !sok || !pok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return re.MatchString(s), nil
	case "true":
		b, ok := value.(bool)
		return ok && b, nil
	case "false":
		b, ok := value.(bool)
		return ok && !b, nil
	case "null":
		return value == nil, nil
	case "nnull":
		return value != nil, nil
	case "empty":
		return isEmpty(value), nil
	case "nempty":
		return value != nil && !isEmpty(value), nil
	case "istype":
		want, _ := rule["v"].(string)
		return typeName(value) == want, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func looseEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isEmpty(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case []any:
		return len(tv) == 0
	case map[string]any:
		return len(tv) == 0
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return "unknown"
}
