package sink

import (
	"bytes"
	"encoding/json"
	"fmt"

	"docfeed/internal/document"
)

type actionMeta struct {
	Index     string `json:"_index,omitempty"`
	Type      string `json:"_type,omitempty"`
	ID        string `json:"_id,omitempty"`
	Routing   string `json:"routing,omitempty"`
	Parent    string `json:"parent,omitempty"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

// AppendBulk appends the bulk-API lines for doc to buf: an action line and,
// except for deletes, a source line. Updates are sent as partial documents
// with doc_as_upsert.
func AppendBulk(buf *bytes.Buffer, doc *document.Document) error {
	op := doc.Op
	if op == "" {
		op = document.OpIndex
	}
	action, err := json.Marshal(map[document.OpType]actionMeta{op: {
		Index:     doc.Index,
		Type:      doc.Type,
		ID:        doc.ID,
		Routing:   doc.Routing,
		Parent:    doc.Parent,
		Version:   doc.Version,
		Timestamp: doc.Timestamp,
		TTL:       doc.TTL,
	}})
	if err != nil {
		return fmt.Errorf("encode action for %s: %w", doc, err)
	}
	buf.Write(action)
	buf.WriteByte('\n')
	if op == document.OpDelete {
		return nil
	}

	src, err := doc.Source()
	if err != nil {
		return fmt.Errorf("encode source for %s: %w", doc, err)
	}
	if op == document.OpUpdate {
		buf.WriteString(`{"doc":`)
		buf.Write(src)
		buf.WriteString(`,"doc_as_upsert":true}`)
	} else {
		buf.Write(src)
	}
	buf.WriteByte('\n')
	return nil
}
