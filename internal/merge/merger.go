// Package merge folds flat column/value pairs into a nested document tree.
//
// Column names are paths: "person.position.name" creates nested objects,
// "person.tags[]" splits a delimited value into several leaf values and
// "person.jobs[company]" groups repeated sub-records into a sequence of
// objects, starting a new element whenever the grouping field repeats.
// Leaves accumulate distinct values across rows, so two rows for the same
// document that differ in one column produce a multi-valued field.
package merge

import (
	"encoding/json"
	"strings"

	"docfeed/internal/document"
)

// Options parameterizes a Merger.
type Options struct {
	// Separator splits values of "name[]" keys. Default ",".
	Separator string

	// ParseJSON merges string values that hold a JSON object as nested
	// objects instead of opaque strings.
	ParseJSON bool
}

// Merger folds values into document trees. Parsed keys are cached, so a
// Merger should live as long as the column set it serves. It is not safe for
// concurrent use; each pipeline owns one.
type Merger struct {
	opts Options
	keys map[string]Key
}

// New returns a Merger with defaults applied to opts.
func New(opts Options) *Merger {
	if opts.Separator == "" {
		opts.Separator = ","
	}
	return &Merger{opts: opts, keys: make(map[string]Key)}
}

// Merge folds value into obj at the path named by key.
//
// It returns a *ConflictError when the path is already used by a node of a
// different kind or the key is malformed. Values merged before the conflict
// within the same call are kept; earlier calls are unaffected.
func (m *Merger) Merge(obj *document.Object, key string, value any) error {
	k, err := m.parse(key)
	if err != nil {
		return err
	}
	return m.merge(obj, k, key, m.normalize(value))
}

func (m *Merger) parse(raw string) (Key, error) {
	if k, ok := m.keys[raw]; ok {
		return k, nil
	}
	k, err := ParseKey(raw)
	if err != nil {
		if ce, ok := err.(*ConflictError); ok && ce.Key != raw {
			ce.Key = raw
		}
		return k, err
	}
	m.keys[raw] = k
	return k, nil
}

func (m *Merger) merge(obj *document.Object, k Key, full string, value any) error {
	if k.IsLeaf() {
		switch {
		case k.Bracketed && k.Modifier == "":
			return m.mergeValues(obj, k.Name, full, m.split(value)...)
		case k.Bracketed:
			return m.mergeSequence(obj, k, full, value)
		default:
			return m.mergeValues(obj, k.Name, full, value)
		}
	}

	next, err := descend(obj, k.Name, full)
	if err != nil {
		return err
	}
	tail, err := m.parse(k.Tail)
	if err != nil {
		return &ConflictError{Key: full, Segment: k.Name, Reason: err.(*ConflictError).Reason}
	}
	return m.merge(next, tail, full, value)
}

// descend returns the object stored under name, creating it when absent.
func descend(obj *document.Object, name, full string) (*document.Object, error) {
	n, ok := obj.Get(name)
	if !ok {
		next := document.NewObject()
		obj.Set(name, next)
		return next, nil
	}
	switch v := n.(type) {
	case *document.Object:
		return v, nil
	case *document.Values:
		if nested, ok := v.First().(*document.Object); ok {
			return nested, nil
		}
		return nil, &ConflictError{Key: full, Segment: name, Reason: "path already holds a scalar value"}
	default:
		return nil, &ConflictError{Key: full, Segment: name, Reason: "path already holds a sequence"}
	}
}

func (m *Merger) mergeValues(obj *document.Object, name, full string, vals ...any) error {
	n, ok := obj.Get(name)
	if !ok {
		obj.Set(name, document.NewValues(vals...))
		return nil
	}
	switch existing := n.(type) {
	case *document.Values:
		for _, v := range vals {
			existing.Add(v)
		}
		return nil
	case *document.Object:
		for _, v := range vals {
			switch src := v.(type) {
			case nil:
				// nulls never overwrite known values
			case *document.Object:
				if err := mergeObjects(existing, src, full); err != nil {
					return err
				}
			default:
				return &ConflictError{Key: full, Segment: name, Reason: "path already holds an object"}
			}
		}
		return nil
	default:
		for _, v := range vals {
			if v != nil {
				return &ConflictError{Key: full, Segment: name, Reason: "path already holds a sequence"}
			}
		}
		return nil
	}
}

func (m *Merger) mergeSequence(obj *document.Object, k Key, full string, value any) error {
	sub, err := m.parse(k.Modifier)
	if err != nil {
		return &ConflictError{Key: full, Segment: k.Name, Reason: "invalid sequence field: " + err.(*ConflictError).Reason}
	}

	var seq *document.Sequence
	n, ok := obj.Get(k.Name)
	switch {
	case !ok:
		seq = &document.Sequence{}
	case isSequence(n):
		seq = n.(*document.Sequence)
	default:
		return &ConflictError{Key: full, Segment: k.Name, Reason: "sequence key collides with a non-sequence value"}
	}

	el := seq.Last()
	switch {
	case el == nil:
		el = document.NewObject()
		seq.Append(el)
	case el.Has(k.Modifier):
		if value == nil {
			// a null never wraps around to a new element
			return nil
		}
		el = document.NewObject()
		seq.Append(el)
	}
	if !ok {
		obj.Set(k.Name, seq)
	}
	return m.merge(el, sub, full, value)
}

// split expands a "name[]" value. Non-string values are kept whole.
func (m *Merger) split(value any) []any {
	s, ok := value.(string)
	if !ok {
		return []any{value}
	}
	parts := strings.Split(s, m.opts.Separator)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

// normalize turns object-shaped values into *document.Object so later
// dotted keys can descend into them.
func (m *Merger) normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return document.FromMap(v)
	case string:
		if !m.opts.ParseJSON {
			return v
		}
		t := strings.TrimSpace(v)
		if len(t) < 2 || t[0] != '{' || t[len(t)-1] != '}' {
			return v
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(t), &obj); err != nil {
			return v
		}
		return document.FromMap(obj)
	default:
		return value
	}
}

func mergeObjects(dst, src *document.Object, full string) error {
	for _, name := range src.Keys() {
		sn, _ := src.Get(name)
		dn, ok := dst.Get(name)
		if !ok {
			dst.Set(name, sn)
			continue
		}
		switch d := dn.(type) {
		case *document.Values:
			s, ok := sn.(*document.Values)
			if !ok {
				return &ConflictError{Key: full, Segment: name, Reason: "path already holds a scalar value"}
			}
			d.Merge(s)
		case *document.Object:
			s, ok := sn.(*document.Object)
			if !ok {
				return &ConflictError{Key: full, Segment: name, Reason: "path already holds an object"}
			}
			if err := mergeObjects(d, s, full); err != nil {
				return err
			}
		case *document.Sequence:
			s, ok := sn.(*document.Sequence)
			if !ok {
				return &ConflictError{Key: full, Segment: name, Reason: "path already holds a sequence"}
			}
			for _, it := range s.Items() {
				d.Append(it)
			}
		}
	}
	return nil
}

func isSequence(n document.Node) bool {
	_, ok := n.(*document.Sequence)
	return ok
}
