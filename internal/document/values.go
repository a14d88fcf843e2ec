package document

import (
	"encoding/json"
	"reflect"
)

// Values holds the one-or-many scalar values of a single leaf field.
//
// Values are kept in order of first occurrence and de-duplicated by equality.
// A container with no values, or with exactly one nil value, is null.
type Values struct {
	vals []any
}

func (*Values) node() {}

// NewValues returns a container seeded with vs, applying Add semantics to each.
func NewValues(vs ...any) *Values {
	c := &Values{}
	for _, v := range vs {
		c.Add(v)
	}
	return c
}

// Add folds v into the container.
//
//   - v already present: no-op.
//   - container holds a single nil and v is non-nil: the nil is replaced.
//   - v is nil and a non-nil value is present: ignored.
//   - otherwise v is appended.
func (c *Values) Add(v any) {
	if c.Contains(v) {
		return
	}
	if v == nil {
		if len(c.vals) == 0 {
			c.vals = append(c.vals, nil)
		}
		return
	}
	if len(c.vals) == 1 && c.vals[0] == nil {
		c.vals[0] = v
		return
	}
	c.vals = append(c.vals, v)
}

// Merge adds every value of o to c in order.
func (c *Values) Merge(o *Values) {
	if o == nil {
		return
	}
	for _, v := range o.vals {
		c.Add(v)
	}
}

// Clone returns a copy whose nested objects are cloned too.
func (c *Values) Clone() *Values {
	out := &Values{vals: make([]any, len(c.vals))}
	for i, v := range c.vals {
		if o, ok := v.(*Object); ok {
			v = o.Clone()
		}
		out.vals[i] = v
	}
	return out
}

// Contains reports whether an equal value is already held.
func (c *Values) Contains(v any) bool {
	for _, x := range c.vals {
		if equalValue(x, v) {
			return true
		}
	}
	return false
}

// IsNull reports whether the container is empty or holds a single nil.
func (c *Values) IsNull() bool {
	return len(c.vals) == 0 || (len(c.vals) == 1 && c.vals[0] == nil)
}

// Len returns the number of distinct values held.
func (c *Values) Len() int { return len(c.vals) }

// First returns the first value, or nil when empty.
func (c *Values) First() any {
	if len(c.vals) == 0 {
		return nil
	}
	return c.vals[0]
}

// All returns a copy of the held values in insertion order.
func (c *Values) All() []any {
	out := make([]any, len(c.vals))
	copy(out, c.vals)
	return out
}

// Interface returns nil, the single value, or the ordered slice of values,
// mirroring the JSON shape.
func (c *Values) Interface() any {
	switch {
	case c.IsNull():
		return nil
	case len(c.vals) == 1:
		return plain(c.vals[0])
	default:
		out := make([]any, len(c.vals))
		for i, v := range c.vals {
			out[i] = plain(v)
		}
		return out
	}
}

// MarshalJSON renders null, a scalar, or an array depending on cardinality.
func (c *Values) MarshalJSON() ([]byte, error) {
	switch {
	case c.IsNull():
		return []byte("null"), nil
	case len(c.vals) == 1:
		return json.Marshal(c.vals[0])
	default:
		return json.Marshal(c.vals)
	}
}

// equalValue is exact value equality; non-comparable values (slices, maps)
// fall back to deep equality.
func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func plain(v any) any {
	if o, ok := v.(*Object); ok {
		return o.Map()
	}
	return v
}
