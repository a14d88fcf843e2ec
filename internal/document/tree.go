// Package document defines the in-progress document tree built by the merge
// engine and the closed Document handed to the dispatcher.
//
// A tree is made of three node kinds: *Values (a leaf), *Object (an ordered
// map of field name to node) and *Sequence (an ordered list of objects).
// Field insertion order is preserved and drives JSON serialization, so two
// trees built from the same rows always serialize to the same bytes.
package document

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Node is one of *Values, *Object or *Sequence.
type Node interface {
	node()
}

// Object is an ordered map of field name to Node.
type Object struct {
	keys   []string
	fields map[string]Node
}

func (*Object) node() {}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{fields: make(map[string]Node)}
}

// Get returns the node stored under name.
func (o *Object) Get(name string) (Node, bool) {
	n, ok := o.fields[name]
	return n, ok
}

// Set stores n under name. A new name is appended to the field order; an
// existing name keeps its position.
func (o *Object) Set(name string, n Node) {
	if o.fields == nil {
		o.fields = make(map[string]Node)
	}
	if _, ok := o.fields[name]; !ok {
		o.keys = append(o.keys, name)
	}
	o.fields[name] = n
}

// Clone returns a deep copy of the tree rooted at o. Scalar values are
// shared.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := &Object{keys: append([]string(nil), o.keys...), fields: make(map[string]Node, len(o.fields))}
	for k, n := range o.fields {
		c.fields[k] = cloneNode(n)
	}
	return c
}

func cloneNode(n Node) Node {
	switch v := n.(type) {
	case *Object:
		return v.Clone()
	case *Sequence:
		return v.Clone()
	case *Values:
		return v.Clone()
	default:
		return n
	}
}

// Keys returns the field names in insertion order.
func (o *Object) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.keys) }

// IsEmpty reports whether the object has no fields.
func (o *Object) IsEmpty() bool { return o == nil || len(o.keys) == 0 }

// Has reports whether the dotted path resolves to a node. Bracket modifiers
// on path segments are ignored, and a sequence along the way is resolved
// through its last element.
func (o *Object) Has(path string) bool {
	cur := o
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		if j := strings.IndexByte(seg, '['); j >= 0 {
			seg = seg[:j]
		}
		n, ok := cur.Get(seg)
		if !ok {
			return false
		}
		if i == len(segs)-1 {
			return true
		}
		switch v := n.(type) {
		case *Object:
			cur = v
		case *Sequence:
			last := v.Last()
			if last == nil {
				return false
			}
			cur = last
		case *Values:
			nested, ok := v.First().(*Object)
			if !ok {
				return false
			}
			cur = nested
		}
	}
	return true
}

// Map converts the object into plain Go values (map[string]any, []any and
// scalars) following the JSON shape. Field order is lost.
func (o *Object) Map() map[string]any {
	out := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		out[k] = nodeInterface(o.fields[k])
	}
	return out
}

// MarshalJSON writes fields in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.fields[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Sequence is an ordered list of objects addressed by a bracketed key such as
// "orders[id]".
type Sequence struct {
	items []*Object
}

func (*Sequence) node() {}

// Append adds o as the new last element.
func (s *Sequence) Append(o *Object) { s.items = append(s.items, o) }

// Last returns the last element or nil when the sequence is empty.
func (s *Sequence) Last() *Object {
	if len(s.items) == 0 {
		return nil
	}
	return s.items[len(s.items)-1]
}

// Len returns the number of elements.
func (s *Sequence) Len() int { return len(s.items) }

// Clone returns a deep copy of the sequence.
func (s *Sequence) Clone() *Sequence {
	c := &Sequence{items: make([]*Object, len(s.items))}
	for i, it := range s.items {
		c.items[i] = it.Clone()
	}
	return c
}

// Items returns the elements in order.
func (s *Sequence) Items() []*Object {
	out := make([]*Object, len(s.items))
	copy(out, s.items)
	return out
}

// MarshalJSON writes the elements as a JSON array.
func (s *Sequence) MarshalJSON() ([]byte, error) {
	if len(s.items) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

func nodeInterface(n Node) any {
	switch v := n.(type) {
	case *Object:
		return v.Map()
	case *Sequence:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Map()
		}
		return out
	case *Values:
		return v.Interface()
	default:
		return nil
	}
}

// FromMap builds an object from a decoded JSON object. Nested maps become
// objects, arrays become multi-valued leaves (or sequences when every
// element is an object). Map iteration order is not defined, so keys are
// inserted in sorted order for determinism.
func FromMap(m map[string]any) *Object {
	o := NewObject()
	for _, k := range sortedKeys(m) {
		o.Set(k, fromInterface(m[k]))
	}
	return o
}

func fromInterface(v any) Node {
	switch t := v.(type) {
	case map[string]any:
		return FromMap(t)
	case []any:
		if len(t) > 0 && allObjects(t) {
			s := &Sequence{}
			for _, e := range t {
				s.Append(FromMap(e.(map[string]any)))
			}
			return s
		}
		return NewValues(t...)
	default:
		return NewValues(t)
	}
}

func allObjects(vs []any) bool {
	for _, v := range vs {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}
