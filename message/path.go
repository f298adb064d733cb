package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Path operations address values inside a message with dotted notation and
// optional array indexes, e.g. "payload.items[2].name". The first segment
// selects a well-known slot (payload, topic) or a user field; the remainder
// descends through maps and slices.

// ErrNoSuchPath is returned by Get when the path does not resolve.
var ErrNoSuchPath = errors.New("no such path")

type segment struct {
	key   string
	index int // -1 when the segment is a key
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, segment{key: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, segment{key: part[:open], index: -1})
			}
			close := strings.IndexByte(part, ']')
			if close < open {
				return nil, fmt.Errorf("malformed index in path segment %q", part)
			}
			idx, err := strconv.Atoi(part[open+1 : close])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("malformed index in path segment %q", part)
			}
			segs = append(segs, segment{index: idx})
			part = part[close+1:]
		}
	}
	if len(segs) == 0 {
		return nil, errors.New("empty path")
	}
	return segs, nil
}

// Get resolves path against the message and returns the value, or
// ErrNoSuchPath when any segment is missing.
func (m *Message) Get(path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	root, ok := m.root(segs[0])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPath, path)
	}
	cur := root
	for _, s := range segs[1:] {
		cur, ok = descend(cur, s)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchPath, path)
		}
	}
	return cur, nil
}

// Set writes value at path, creating intermediate maps as needed. Slice
// segments must already exist and be in range.
func (m *Message) Set(path string, value any) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 1 {
		return m.setRoot(segs[0], value)
	}
	root, ok := m.root(segs[0])
	if !ok || root == nil {
		root = make(map[string]any)
		if err := m.setRoot(segs[0], root); err != nil {
			return err
		}
	}
	cur := root
	for _, s := range segs[1 : len(segs)-1] {
		next, ok := descend(cur, s)
		if !ok || next == nil {
			if s.index >= 0 {
				return fmt.Errorf("cannot create element %d under %s", s.index, path)
			}
			child := make(map[string]any)
			if err := assign(cur, s, child); err != nil {
				return err
			}
			next = child
		}
		cur = next
	}
	return assign(cur, segs[len(segs)-1], value)
}

// Delete removes the value at path. Deleting a missing path is a no-op.
func (m *Message) Delete(path string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 1 {
		s := segs[0]
		switch s.key {
		case keyPayload:
			m.Payload = nil
		case keyTopic:
			m.Topic = ""
		case keyParts:
			m.Parts = nil
		case keyError:
			m.Error = nil
		default:
			delete(m.Fields, s.key)
		}
		return nil
	}
	root, ok := m.root(segs[0])
	if !ok {
		return nil
	}
	cur := root
	for _, s := range segs[1 : len(segs)-1] {
		cur, ok = descend(cur, s)
		if !ok {
			return nil
		}
	}
	last := segs[len(segs)-1]
	if mm, ok := cur.(map[string]any); ok && last.index < 0 {
		delete(mm, last.key)
	}
	return nil
}

func (m *Message) root(s segment) (any, bool) {
	if s.index >= 0 {
		return nil, false
	}
	switch s.key {
	case keyPayload:
		return m.Payload, true
	case keyTopic:
		return m.Topic, true
	case keyParts:
		if m.Parts == nil {
			return nil, false
		}
		return map[string]any{
			"id":    m.Parts.StreamID,
			"index": m.Parts.Index,
			"count": m.Parts.Count,
			"type":  m.Parts.Type,
		}, true
	case keyError:
		if m.Error == nil {
			return nil, false
		}
		return map[string]any{
			"message": m.Error.Message,
			"source": map[string]any{
				"id":   m.Error.Source.ID,
				"type": m.Error.Source.Type,
				"name": m.Error.Source.Name,
			},
		}, true
	default:
		v, ok := m.Field(s.key)
		return v, ok
	}
}

func (m *Message) setRoot(s segment, value any) error {
	if s.index >= 0 {
		return errors.New("path must start with a key")
	}
	switch s.key {
	case keyPayload:
		m.Payload = value
	case keyTopic:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("topic must be a string, got %T", value)
		}
		m.Topic = str
	case keyID, keyParts, keyError, keyRes:
		return fmt.Errorf("slot %q is not assignable by path", s.key)
	default:
		m.SetField(s.key, value)
	}
	return nil
}

func descend(v any, s segment) (any, bool) {
	if s.index >= 0 {
		arr, ok := v.([]any)
		if !ok || s.index >= len(arr) {
			return nil, false
		}
		return arr[s.index], true
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	child, ok := mm[s.key]
	return child, ok
}

func assign(container any, s segment, value any) error {
	if s.index >= 0 {
		arr, ok := container.([]any)
		if !ok {
			return fmt.Errorf("cannot index into %T", container)
		}
		if s.index >= len(arr) {
			return fmt.Errorf("index %d out of range", s.index)
		}
		arr[s.index] = value
		return nil
	}
	mm, ok := container.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set key %q on %T", s.key, container)
	}
	mm[s.key] = value
	return nil
}
