// Package message defines the unit of exchange between graph nodes and
// across the parent/child channel.
//
// A Message is an ordered set of named fields plus an optional channel tag.
// The tag distinguishes ordinary data from control signals: graph lifecycle
// events (start, stop) and the reserved shutdown sentinel that ends a child's
// receive loop. Messages are immutable; With returns a modified copy.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Channel tags a message for control signalling.
type Channel string

const (
	// ChannelData is the tag of ordinary data messages.
	ChannelData Channel = ""
	// ChannelStart marks a graph START event.
	ChannelStart Channel = "start"
	// ChannelStop marks a graph STOP event.
	ChannelStop Channel = "stop"
	// ChannelBatch tags a message carrying a list of records.
	ChannelBatch Channel = "data"
	// ChannelShutdown is the reserved sentinel. It never carries data.
	ChannelShutdown Channel = "__shutdown__"
)

// Field is a single named value.
type Field struct {
	Name  string
	Value any
}

// F is shorthand for constructing a Field.
func F(name string, value any) Field {
	return Field{Name: name, Value: value}
}

// Message is an ordered mapping from field name to value with a channel tag.
type Message struct {
	channel Channel
	fields  []Field
}

// New builds a data message. A repeated name keeps its first position and
// takes the last value.
func New(fields ...Field) Message {
	return Tagged(ChannelData, fields...)
}

// Tagged builds a message on the given channel.
func Tagged(ch Channel, fields ...Field) Message {
	m := Message{channel: ch}
	for _, f := range fields {
		m.fields = set(m.fields, f)
	}
	return m
}

// FromMap builds a data message from a map. Map iteration order is random, so
// fields are ordered by name.
func FromMap(values map[string]any) Message {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]Field, 0, len(names))
	for _, k := range names {
		fields = append(fields, F(k, values[k]))
	}
	return New(fields...)
}

// Shutdown returns the sentinel that stops a receive loop.
func Shutdown() Message {
	return Message{channel: ChannelShutdown}
}

// Batch wraps records in a single message under the "data" field.
func Batch(records []Message) Message {
	out := make([]Message, len(records))
	copy(out, records)
	return Tagged(ChannelBatch, F("data", out))
}

func set(fields []Field, f Field) []Field {
	for i := range fields {
		if fields[i].Name == f.Name {
			fields[i].Value = f.Value
			return fields
		}
	}
	return append(fields, f)
}

// Channel returns the control tag.
func (m Message) Channel() Channel { return m.channel }

// IsShutdown reports whether m is the shutdown sentinel.
func (m Message) IsShutdown() bool { return m.channel == ChannelShutdown }

// IsControl reports whether m carries a lifecycle or shutdown tag.
func (m Message) IsControl() bool {
	switch m.channel {
	case ChannelStart, ChannelStop, ChannelShutdown:
		return true
	}
	return false
}

// Len returns the number of fields.
func (m Message) Len() int { return len(m.fields) }

// Get returns the value of a field and whether it is present.
func (m Message) Get(name string) (any, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Value returns the value of a field, or nil.
func (m Message) Value(name string) any {
	v, _ := m.Get(name)
	return v
}

// String returns a field formatted as a string; absent and nil fields yield "".
func (m Message) String(name string) string {
	v, ok := m.Get(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Names returns field names in order.
func (m Message) Names() []string {
	names := make([]string, len(m.fields))
	for i, f := range m.fields {
		names[i] = f.Name
	}
	return names
}

// Fields returns a copy of the fields in order.
func (m Message) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// Map returns the fields as an unordered map.
func (m Message) Map() map[string]any {
	out := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		out[f.Name] = f.Value
	}
	return out
}

// With returns a copy of m with the field set.
func (m Message) With(name string, value any) Message {
	out := Message{channel: m.channel, fields: m.Fields()}
	out.fields = set(out.fields, F(name, value))
	return out
}

type wireMessage struct {
	Channel Channel           `json:"channel,omitempty"`
	Fields  []json.RawMessage `json:"fields"`
}

// Kinds mark field values that decode back into messages rather than plain
// JSON. They travel as an optional third pair element.
const (
	kindMessage  = "message"
	kindMessages = "messages"
)

func nestedKind(v any) string {
	switch v.(type) {
	case Message:
		return kindMessage
	case []Message:
		return kindMessages
	default:
		return ""
	}
}

// MarshalJSON encodes fields as [name, value] pairs to keep their order. A
// value that is a Message or []Message gets a third element naming its kind,
// so nested records such as a batch survive the round trip.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Channel: m.channel, Fields: make([]json.RawMessage, 0, len(m.fields))}
	for _, f := range m.fields {
		elems := []any{f.Name, f.Value}
		if kind := nestedKind(f.Value); kind != "" {
			elems = append(elems, kind)
		}
		pair, err := json.Marshal(elems)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", f.Name, err)
		}
		w.Fields = append(w.Fields, pair)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the pair encoding produced by MarshalJSON. Numbers
// decode as json.Number.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Message{channel: w.Channel}
	for i, raw := range w.Fields {
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		if len(elems) != 2 && len(elems) != 3 {
			return fmt.Errorf("field %d: want [name, value], got %d elements", i, len(elems))
		}
		var name string
		if err := json.Unmarshal(elems[0], &name); err != nil {
			return fmt.Errorf("field %d: name is not a string: %w", i, err)
		}
		var kind string
		if len(elems) == 3 {
			if err := json.Unmarshal(elems[2], &kind); err != nil {
				return fmt.Errorf("field %q: kind is not a string: %w", name, err)
			}
		}
		value, err := decodeValue(elems[1], kind)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		out.fields = set(out.fields, F(name, value))
	}
	*m = out
	return nil
}

func decodeValue(raw json.RawMessage, kind string) (any, error) {
	switch kind {
	case "":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case kindMessage:
		var v Message
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case kindMessages:
		var v []Message
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", kind)
	}
}
