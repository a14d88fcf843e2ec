package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OpType is the bulk operation a document is submitted with.
type OpType string

const (
	OpCreate OpType = "create"
	OpIndex  OpType = "index"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// ParseOpType maps a control column value onto an OpType. The empty string
// yields def.
func ParseOpType(s string, def OpType) (OpType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "create":
		return OpCreate, nil
	case "index":
		return OpIndex, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return "", fmt.Errorf("unknown operation type %q", s)
	}
}

// Meta holds the identity attributes of a document. They travel out of band
// (bulk action line, collection name, key columns) and never inside the body.
type Meta struct {
	Op        OpType
	Index     string
	Type      string
	ID        string
	Routing   string
	Parent    string
	Version   string
	TTL       string
	Timestamp string
}

// Document is one closed unit handed to the dispatcher. Identity is fixed
// once the document is emitted.
type Document struct {
	Meta

	// Body is the merged tree; nil when Raw is set.
	Body *Object

	// Raw is a pre-rendered JSON body supplied by a _source column.
	Raw json.RawMessage

	// Digest is the hex content digest, empty unless digests are enabled.
	Digest string
}

// New returns an empty document carrying m.
func New(m Meta) *Document {
	return &Document{Meta: m, Body: NewObject()}
}

// IsEmpty reports whether there is nothing to send. Delete operations need
// only an id.
func (d *Document) IsEmpty() bool {
	if d == nil {
		return true
	}
	if d.Op == OpDelete {
		return d.ID == ""
	}
	return len(d.Raw) == 0 && d.Body.IsEmpty()
}

// Source returns the serialized body.
func (d *Document) Source() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	if d.Body == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Body)
}

// SourceMap returns the body as plain Go values, decoding Raw if needed.
func (d *Document) SourceMap() (map[string]any, error) {
	if len(d.Raw) > 0 {
		var m map[string]any
		if err := json.Unmarshal(d.Raw, &m); err != nil {
			return nil, fmt.Errorf("decode raw source: %w", err)
		}
		return m, nil
	}
	if d.Body == nil {
		return map[string]any{}, nil
	}
	return d.Body.Map(), nil
}

// String is a short identity for logs.
func (d *Document) String() string {
	return fmt.Sprintf("%s %s/%s/%s", d.Op, d.Index, d.Type, d.ID)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
