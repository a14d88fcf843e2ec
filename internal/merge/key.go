package merge

import "strings"

// Key is a parsed column name.
//
// A key either addresses a field of the current object directly (Tail is
// empty) or descends into the object named Name with the remaining path in
// Tail. A direct key may carry a bracket modifier:
//
//	tags[]        comma-expansion: the value is split into several leaf values
//	orders[id]    sequence grouping: orders is a list of objects and "id"
//	              decides when a new element starts
type Key struct {
	Raw       string
	Name      string
	Tail      string
	Modifier  string
	Bracketed bool
}

// IsLeaf reports whether the key addresses a field of the current object.
func (k Key) IsLeaf() bool { return k.Tail == "" }

// ParseKey parses one level of a column name. The bracket modifier is
// recognized when its '[' comes before the first '.' (or there is no dot)
// and its ']' closes the key. A bracket on a head segment that does not close
// the key ("a[x].b") is stripped.
func ParseKey(raw string) (Key, error) {
	k := Key{Raw: raw}
	if raw == "" {
		return k, &ConflictError{Key: raw, Reason: "empty key"}
	}

	dot := strings.IndexByte(raw, '.')
	open := strings.IndexByte(raw, '[')

	switch {
	case open >= 0 && (dot < 0 || open < dot):
		if strings.HasSuffix(raw, "]") {
			k.Name = raw[:open]
			k.Modifier = raw[open+1 : len(raw)-1]
			k.Bracketed = true
			break
		}
		end := strings.IndexByte(raw[open:], ']')
		if end < 0 {
			return k, &ConflictError{Key: raw, Segment: raw[:open], Reason: "unbalanced bracket"}
		}
		end += open
		if end+1 >= len(raw) || raw[end+1] != '.' {
			return k, &ConflictError{Key: raw, Segment: raw[:open], Reason: "bracket modifier must close the key or precede a dot"}
		}
		k.Name = raw[:open]
		k.Tail = raw[end+2:]
		if k.Tail == "" {
			return k, &ConflictError{Key: raw, Segment: k.Name, Reason: "empty key segment"}
		}

	case dot >= 0:
		k.Name = raw[:dot]
		k.Tail = raw[dot+1:]
		if k.Tail == "" {
			return k, &ConflictError{Key: raw, Segment: k.Name, Reason: "empty key segment"}
		}

	default:
		k.Name = raw
	}

	if k.Name == "" {
		return k, &ConflictError{Key: raw, Reason: "empty key segment"}
	}
	return k, nil
}
