package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIdentity(t *testing.T) {
	m := New("greeting", "hello")
	require.NotEmpty(t, m.ID)
	assert.Equal(t, "greeting", m.Topic)
	assert.Equal(t, "hello", m.Payload)

	other := New("greeting", "hello")
	assert.NotEqual(t, m.ID, other.ID)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New("t", map[string]any{
		"user":  map[string]any{"name": "ada"},
		"items": []any{1.0, 2.0, 3.0},
	})
	m.SetField("count", 3)
	m.Parts = &Parts{StreamID: "s1", Index: 1, Count: 3, Type: "array"}

	c := m.Clone()
	require.Equal(t, m.ID, c.ID, "clone retains identity")

	c.Payload.(map[string]any)["user"].(map[string]any)["name"] = "grace"
	c.Payload.(map[string]any)["items"].([]any)[0] = 99.0
	c.Parts.Index = 2
	c.SetField("count", 4)

	assert.Equal(t, "ada", m.Payload.(map[string]any)["user"].(map[string]any)["name"])
	assert.Equal(t, 1.0, m.Payload.(map[string]any)["items"].([]any)[0])
	assert.Equal(t, 1, m.Parts.Index)
	v, _ := m.Field("count")
	assert.Equal(t, 3, v)
}

func TestClonePreservesResponse(t *testing.T) {
	m := New("", nil)
	m.Response = &HTTPResponse{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Payload:    map[string]any{"ok": true},
	}
	c := m.Clone()
	c.Response.Headers["Content-Type"] = "text/plain"
	c.Response.Payload.(map[string]any)["ok"] = false

	assert.Equal(t, "application/json", m.Response.Headers["Content-Type"])
	assert.Equal(t, true, m.Response.Payload.(map[string]any)["ok"])
	assert.True(t, c.IsTerminal())
}

func TestJSONRoundTrip(t *testing.T) {
	m := New("orders", map[string]any{"id": 42.0})
	m.SetField("site", "eu-1")
	m.Parts = &Parts{StreamID: "st", Index: 0, Count: 2, Type: "array"}

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, m.ID, back.ID)
	assert.Equal(t, "orders", back.Topic)
	assert.Equal(t, map[string]any{"id": 42.0}, back.Payload)
	require.NotNil(t, back.Parts)
	assert.Equal(t, 2, back.Parts.Count)
	site, ok := back.Field("site")
	require.True(t, ok)
	assert.Equal(t, "eu-1", site)
}

func TestUnmarshalGeneratesMissingID(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"payload":"x"}`), &m))
	assert.NotEmpty(t, m.ID)
}

func TestCopyValueFallsBackToSerialisation(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	out := CopyValue(point{X: 1, Y: 2})
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0}, out)
}
