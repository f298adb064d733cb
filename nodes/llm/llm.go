// Package llm implements the "llm" node: a single-turn completion against
// the Anthropic Claude Messages API. The prompt is the message payload (or
// a configured override), the completion text replaces the payload, and
// token usage is annotated on the message.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
)

// MessagesClient is the subset of the Anthropic SDK the node uses. It is
// satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

const (
	defaultModel     = string(sdk.ModelClaudeSonnet4_5)
	defaultMaxTokens = 1024
)

// Register adds the llm definition to the registry, or to node.Default when
// reg is nil. With a nil client the node builds one from ANTHROPIC_API_KEY
// on first init and fails initialisation when the key is absent.
func Register(reg *node.Registry, client MessagesClient) {
	if reg == nil {
		reg = node.Default
	}
	reg.Register(Def(client))
}

// lazyClient resolves the messages client at most once per definition. A
// definition is shared by every engine of the process, so construction is
// serialised behind the once.
type lazyClient struct {
	once   sync.Once
	client MessagesClient
	err    error
}

func (l *lazyClient) resolve(n *node.Instance) (MessagesClient, error) {
	l.once.Do(func() {
		if l.client != nil {
			return
		}
		key := n.Env()["ANTHROPIC_API_KEY"]
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			l.err = fmt.Errorf("llm: no client and no ANTHROPIC_API_KEY")
			return
		}
		ac := sdk.NewClient(option.WithAPIKey(key))
		l.client = &ac.Messages
	})
	return l.client, l.err
}

// Def builds the llm node definition around the given messages client.
func Def(client MessagesClient) *node.Definition {
	lazy := &lazyClient{client: client}
	return &node.Definition{
		Type:     "llm",
		Category: "function",
		Inputs:   1,
		Outputs:  1,
		Defaults: map[string]any{
			"model":      defaultModel,
			"system":     "",
			"prompt":     "",
			"max_tokens": defaultMaxTokens,
		},
		OnInit: func(_ context.Context, n *node.Instance) error {
			if _, err := lazy.resolve(n); err != nil {
				return fmt.Errorf("llm %s: %w", n.ID(), err)
			}
			return nil
		},
		Execute: func(ctx context.Context, n *node.Instance, msg *message.Message) (any, error) {
			c, err := lazy.resolve(n)
			if err != nil {
				return nil, err
			}
			return execute(ctx, c, n, msg)
		},
		Descriptor: node.Descriptor{
			Icon: "llm", Color: "#c7a4ff", PaletteLabel: "llm",
			Properties: map[string]any{
				"model":      map[string]any{"type": "string"},
				"system":     map[string]any{"type": "string"},
				"prompt":     map[string]any{"type": "string"},
				"max_tokens": map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}
}

func execute(ctx context.Context, client MessagesClient, n *node.Instance, msg *message.Message) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("llm: client not initialised")
	}
	prompt, err := promptText(n, msg)
	if err != nil {
		return nil, err
	}

	maxTokens := n.IntOption("max_tokens")
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(n.StringOption("model")),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if system := n.StringOption("system"); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := client.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	msg.Payload = text.String()
	msg.SetField("model", string(resp.Model))
	msg.SetField("stop_reason", string(resp.StopReason))
	msg.SetField("usage", map[string]any{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})
	return msg, nil
}

// promptText resolves the prompt: the configured override wins, otherwise
// the payload is used as-is (strings directly, anything else JSON-encoded).
func promptText(n *node.Instance, msg *message.Message) (string, error) {
	if p := n.StringOption("prompt"); p != "" {
		return p, nil
	}
	switch v := msg.Payload.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("llm: empty prompt")
		}
		return v, nil
	case nil:
		return "", fmt.Errorf("llm: empty prompt")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("llm: encode prompt: %w", err)
		}
		return string(raw), nil
	}
}
