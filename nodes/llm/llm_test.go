package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/flow"
	"github.com/flowmesh/flowmesh/message"
	"github.com/flowmesh/flowmesh/node"
	"github.com/flowmesh/flowmesh/storage"
)

type fakeClient struct {
	lastParams sdk.MessageNewParams
	reply      *sdk.Message
	err        error
}

func (f *fakeClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func newInstance(opts map[string]any, client MessagesClient) *node.Instance {
	cfg := &flow.NodeConfig{ID: "llm1", Type: "llm", Options: opts}
	return node.NewInstance(Def(client), cfg, nil, node.NewBus())
}

func textReply(text string) *sdk.Message {
	return &sdk.Message{
		Model:      sdk.Model("claude-test"),
		StopReason: "end_turn",
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func TestCompletionReplacesPayload(t *testing.T) {
	client := &fakeClient{reply: textReply("a completion")}
	n := newInstance(map[string]any{"system": "be terse"}, client)
	msg := message.New("", "what is a flow?")

	out, err := execute(context.Background(), client, n, msg)
	require.NoError(t, err)
	got := out.(*message.Message)
	assert.Equal(t, "a completion", got.Payload)

	model, _ := got.Field("model")
	assert.Equal(t, "claude-test", model)
	usage, _ := got.Field("usage")
	assert.Equal(t, int64(10), usage.(map[string]any)["input_tokens"])

	require.Len(t, client.lastParams.System, 1)
	assert.Equal(t, "be terse", client.lastParams.System[0].Text)
	require.Len(t, client.lastParams.Messages, 1)
}

func TestStructuredPayloadEncodedAsPrompt(t *testing.T) {
	client := &fakeClient{reply: textReply("ok")}
	n := newInstance(nil, client)
	msg := message.New("", map[string]any{"question": "why"})

	_, err := execute(context.Background(), client, n, msg)
	require.NoError(t, err)
	blocks := client.lastParams.Messages[0].Content
	require.Len(t, blocks, 1)
	assert.JSONEq(t, `{"question":"why"}`, blocks[0].OfText.Text)
}

func TestEmptyPromptFails(t *testing.T) {
	client := &fakeClient{reply: textReply("ok")}
	n := newInstance(nil, client)

	_, err := execute(context.Background(), client, n, message.New("", nil))
	require.Error(t, err)
}

func TestUpstreamErrorPropagates(t *testing.T) {
	client := &fakeClient{err: errors.New("overloaded")}
	n := newInstance(nil, client)

	_, err := execute(context.Background(), client, n, message.New("", "hi"))
	require.ErrorContains(t, err, "overloaded")
}

// envRuntime exposes only the environment dictionary; the other runtime
// surfaces are unused by client resolution.
type envRuntime map[string]string

func (e envRuntime) FlowID() string         { return "f" }
func (e envRuntime) FlowKV() node.KV        { return nil }
func (e envRuntime) GlobalKV() node.KV      { return nil }
func (e envRuntime) NodeKV(string) node.KV  { return nil }
func (e envRuntime) Env() map[string]string { return e }
func (e envRuntime) Store() storage.Store   { return nil }

func (e envRuntime) StatusChanged(context.Context, message.NodeRef, node.Status) {}

func (e envRuntime) RaiseError(context.Context, message.NodeRef, error, *message.Message) {}

func TestEnvClientResolvedOncePerDefinition(t *testing.T) {
	def := Def(nil)
	rt := envRuntime{"ANTHROPIC_API_KEY": "test-key"}

	// Engines on separate shards init their instances concurrently.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := &flow.NodeConfig{ID: "llm1", Type: "llm"}
			n := node.NewInstance(def, cfg, rt, node.NewBus())
			errs[i] = def.OnInit(context.Background(), n)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestMissingKeyFailsInit(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	def := Def(nil)
	n := node.NewInstance(def, &flow.NodeConfig{ID: "llm1", Type: "llm"}, envRuntime{}, node.NewBus())
	require.ErrorContains(t, def.OnInit(context.Background(), n), "ANTHROPIC_API_KEY")
}

func TestPromptOverrideWins(t *testing.T) {
	client := &fakeClient{reply: textReply("ok")}
	n := newInstance(map[string]any{"prompt": "fixed prompt"}, client)

	_, err := execute(context.Background(), client, n, message.New("", "ignored"))
	require.NoError(t, err)
	assert.Equal(t, "fixed prompt", client.lastParams.Messages[0].Content[0].OfText.Text)
}
