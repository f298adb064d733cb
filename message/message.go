// Package message defines the envelope that flows through a trigger: a
// record with a stable identity, an opaque payload, well-known slots for
// stream parts, execution errors and terminal HTTP responses, plus an open
// bag of user-set fields. Messages are owned by exactly one executing node
// at a time; fan-out hands each target an independent deep copy.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type (
	// Message is the unit of work routed along flow wires. The well-known
	// slots are typed; everything else a node sets lives in Fields and is
	// flattened into the top level of the JSON form.
	Message struct {
		// ID uniquely identifies the message. Deep copies retain the ID of
		// the original until a node explicitly re-identifies the copy.
		ID string
		// Topic is an optional routing hint, opaque to the engine.
		Topic string
		// Payload is the message body. Must be serialisable.
		Payload any
		// Parts describes the position of this message within a split
		// stream. Populated by split nodes, consumed by join.
		Parts *Parts
		// Error carries the most recent node execution error, if any.
		Error *ExecError
		// Response, when set, marks the message terminal: the engine
		// preserves it through subsequent hops and the executor renders it
		// as the HTTP response of the trigger.
		Response *HTTPResponse
		// Fields holds arbitrary user-set keys outside the well-known slots.
		Fields map[string]any
	}

	// Parts is the stream descriptor attached by split and merged by join.
	Parts struct {
		StreamID string `json:"id"`
		Index    int    `json:"index"`
		Count    int    `json:"count"`
		Type     string `json:"type"`
	}

	// ExecError is the structured error record attached to messages routed
	// to catch nodes.
	ExecError struct {
		Message string  `json:"message"`
		Source  NodeRef `json:"source"`
		Stack   string  `json:"stack,omitempty"`
	}

	// NodeRef identifies the node a status or error originated from.
	NodeRef struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}

	// HTTPResponse is the terminal response descriptor written by
	// http-response nodes.
	HTTPResponse struct {
		StatusCode int               `json:"statusCode"`
		Headers    map[string]string `json:"headers,omitempty"`
		Payload    any               `json:"payload,omitempty"`
	}
)

// New constructs a message with a fresh identity.
func New(topic string, payload any) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: payload,
		Fields:  make(map[string]any),
	}
}

// IsTerminal reports whether the message carries an HTTP response descriptor.
func (m *Message) IsTerminal() bool { return m != nil && m.Response != nil }

// Field returns the named user field, if set.
func (m *Message) Field(name string) (any, bool) {
	if m.Fields == nil {
		return nil, false
	}
	v, ok := m.Fields[name]
	return v, ok
}

// SetField sets a user field, allocating the bag on first use.
func (m *Message) SetField(name string, value any) {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[name] = value
}

// Clone returns a deep copy of the message. The copy shares no sub-objects
// with the original and retains its ID. Values outside the JSON data model
// are copied by a serialisation round trip; messages are required to be
// serialisable so this is lossless for conforming flows.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{
		ID:      m.ID,
		Topic:   m.Topic,
		Payload: CopyValue(m.Payload),
	}
	if m.Parts != nil {
		p := *m.Parts
		c.Parts = &p
	}
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	if m.Response != nil {
		r := *m.Response
		r.Payload = CopyValue(m.Response.Payload)
		if m.Response.Headers != nil {
			r.Headers = make(map[string]string, len(m.Response.Headers))
			for k, v := range m.Response.Headers {
				r.Headers[k] = v
			}
		}
		c.Response = &r
	}
	if m.Fields != nil {
		c.Fields = make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			c.Fields[k] = CopyValue(v)
		}
	}
	return c
}

// CopyValue deep-copies an arbitrary serialisable value. Maps and slices are
// walked structurally; other composite values fall back to a JSON round trip.
func CopyValue(v any) any {
	switch tv := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64, json.Number:
		return tv
	case []byte:
		out := make([]byte, len(tv))
		copy(out, tv)
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = CopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = CopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		copy(out, tv)
		return out
	case map[string]string:
		out := make(map[string]string, len(tv))
		for k, e := range tv {
			out[k] = e
		}
		return out
	default:
		return copyViaJSON(tv)
	}
}

func copyViaJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		// Non-serialisable values violate the message contract; keep the
		// original reference rather than dropping the data.
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// wire is the flattened JSON form of a message.
const (
	keyID      = "_msgid"
	keyTopic   = "topic"
	keyPayload = "payload"
	keyParts   = "parts"
	keyError   = "error"
	keyRes     = "res"
)

// MarshalJSON flattens the well-known slots and user fields into one object.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+6)
	for k, v := range m.Fields {
		out[k] = v
	}
	out[keyID] = m.ID
	if m.Topic != "" {
		out[keyTopic] = m.Topic
	}
	out[keyPayload] = m.Payload
	if m.Parts != nil {
		out[keyParts] = m.Parts
	}
	if m.Error != nil {
		out[keyError] = m.Error
	}
	if m.Response != nil {
		out[keyRes] = m.Response
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flattened object back into slots and fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	m.Fields = make(map[string]any)
	for k, v := range raw {
		switch k {
		case keyID:
			if err := json.Unmarshal(v, &m.ID); err != nil {
				return fmt.Errorf("decode message id: %w", err)
			}
		case keyTopic:
			if err := json.Unmarshal(v, &m.Topic); err != nil {
				return fmt.Errorf("decode message topic: %w", err)
			}
		case keyPayload:
			if err := json.Unmarshal(v, &m.Payload); err != nil {
				return fmt.Errorf("decode message payload: %w", err)
			}
		case keyParts:
			m.Parts = &Parts{}
			if err := json.Unmarshal(v, m.Parts); err != nil {
				return fmt.Errorf("decode message parts: %w", err)
			}
		case keyError:
			m.Error = &ExecError{}
			if err := json.Unmarshal(v, m.Error); err != nil {
				return fmt.Errorf("decode message error: %w", err)
			}
		case keyRes:
			m.Response = &HTTPResponse{}
			if err := json.Unmarshal(v, m.Response); err != nil {
				return fmt.Errorf("decode message response: %w", err)
			}
		default:
			var fv any
			if err := json.Unmarshal(v, &fv); err != nil {
				return fmt.Errorf("decode message field %q: %w", k, err)
			}
			m.Fields[k] = fv
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
