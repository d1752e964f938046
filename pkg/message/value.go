// Package message contains the domain model for received push messages:
// the Message itself and the Value tree its normalized payload is made of.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a node of a payload tree. The zero Value is null.
// Values are treated as immutable once built.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map builds a map Value. A nil map yields an empty map, not null.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// StringMap is a convenience for the flat string→string data attachment.
func StringMap(m map[string]string) Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = String(v)
	}
	return Map(out)
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Get looks up key on a map Value. It reports false for any other kind.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Lookup walks nested maps along path.
func (v Value) Lookup(path ...string) (Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Get(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// StringAt returns the string found at path, or "" when there is none.
func (v Value) StringAt(path ...string) string {
	leaf, ok := v.Lookup(path...)
	if !ok {
		return ""
	}
	s, _ := leaf.AsString()
	return s
}

// Equal reports whether two trees have the same shape and leaves.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, child := range v.m {
			other, ok := o.m[k]
			if !ok || !child.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// ToAny converts the tree into plain Go values (map[string]any, []any,
// string, float64, bool, nil), the shape encoding/json produces.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, child := range v.m {
			out[k] = child.ToAny()
		}
		return out
	default:
		return nil
	}
}

// FromAny builds a tree from plain Go values. Integers of any width are
// stored as numbers; unsupported types are an error.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case map[string]string:
		return StringMap(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			child, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = child
		}
		return List(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			child, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = child
		}
		return Map(m), nil
	}
	return Value{}, fmt.Errorf("unsupported payload type %T", in)
}

// MarshalJSON writes map keys in sorted order so serialized records are stable.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.m[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	}
	b, err := json.Marshal(v.ToAny())
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
