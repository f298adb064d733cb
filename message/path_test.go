package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPaths(t *testing.T) {
	m := New("alerts", map[string]any{
		"user":  map[string]any{"name": "ada"},
		"items": []any{"a", "b", "c"},
	})
	m.SetField("site", "eu-1")

	cases := []struct {
		path string
		want any
	}{
		{"payload.user.name", "ada"},
		{"payload.items[1]", "b"},
		{"topic", "alerts"},
		{"site", "eu-1"},
	}
	for _, tc := range cases {
		got, err := m.Get(tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}

	_, err := m.Get("payload.user.age")
	assert.ErrorIs(t, err, ErrNoSuchPath)
	_, err = m.Get("payload.items[9]")
	assert.ErrorIs(t, err, ErrNoSuchPath)
}

func TestSetCreatesIntermediateMaps(t *testing.T) {
	m := New("", nil)
	require.NoError(t, m.Set("payload.meta.region", "eu"))
	got, err := m.Get("payload.meta.region")
	require.NoError(t, err)
	assert.Equal(t, "eu", got)
}

func TestSetArrayElement(t *testing.T) {
	m := New("", map[string]any{"items": []any{1.0, 2.0}})
	require.NoError(t, m.Set("payload.items[0]", 9.0))
	got, err := m.Get("payload.items[0]")
	require.NoError(t, err)
	assert.Equal(t, 9.0, got)

	assert.Error(t, m.Set("payload.items[5]", 0.0))
}

func TestSetRootSlots(t *testing.T) {
	m := New("", nil)
	require.NoError(t, m.Set("topic", "new-topic"))
	assert.Equal(t, "new-topic", m.Topic)
	assert.Error(t, m.Set("topic", 12))
	assert.Error(t, m.Set("_msgid", "forged"))

	require.NoError(t, m.Set("custom", 7))
	v, ok := m.Field("custom")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestDelete(t *testing.T) {
	m := New("t", map[string]any{"a": 1.0, "b": 2.0})
	m.SetField("site", "eu-1")

	require.NoError(t, m.Delete("payload.a"))
	_, err := m.Get("payload.a")
	assert.ErrorIs(t, err, ErrNoSuchPath)

	require.NoError(t, m.Delete("site"))
	_, ok := m.Field("site")
	assert.False(t, ok)

	require.NoError(t, m.Delete("payload"))
	assert.Nil(t, m.Payload)

	// Deleting a missing path is a no-op.
	require.NoError(t, m.Delete("payload.missing.deep"))
}

func TestParsePathErrors(t *testing.T) {
	m := New("", nil)
	_, err := m.Get("")
	assert.Error(t, err)
	_, err = m.Get("payload.items[x]")
	assert.Error(t, err)
	_, err = m.Get("payload.items[-1]")
	assert.Error(t, err)
}
