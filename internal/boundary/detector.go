// Package boundary turns a stream of rows into closed documents.
//
// The Detector is the listener a row source drives: columns are declared
// once, then rows are supplied in order. Control columns (_id, _index,
// _optype, ...) carry document identity; every other column is merged into
// the open document's body. When the identity of a row differs from the open
// document, the open document is closed and handed downstream and a new one
// starts. A _source column closes the open document and emits its value as a
// pre-rendered body; the next row starts a fresh document.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"docfeed/internal/document"
	"docfeed/internal/merge"
)

// Control column names.
const (
	ColOpType    = "_optype"
	ColIndex     = "_index"
	ColType      = "_type"
	ColID        = "_id"
	ColVersion   = "_version"
	ColRouting   = "_routing"
	ColParent    = "_parent"
	ColTimestamp = "_timestamp"
	ColTTL       = "_ttl"
	ColSource    = "_source"
	ColJob       = "_job"
)

var controlColumns = map[string]struct{}{
	ColOpType: {}, ColIndex: {}, ColType: {}, ColID: {}, ColVersion: {}, ColRouting: {},
	ColParent: {}, ColTimestamp: {}, ColTTL: {}, ColSource: {}, ColJob: {},
}

// IsControl reports whether name is a control column.
func IsControl(name string) bool {
	_, ok := controlColumns[name]
	return ok
}

var (
	// ErrNoColumns is returned when a row arrives before DeclareColumns.
	ErrNoColumns = errors.New("boundary: row supplied before columns were declared")
	// ErrTooManyValues is returned when a row has more values than columns.
	ErrTooManyValues = errors.New("boundary: row has more values than declared columns")
	// ErrInvalidRow marks rows whose control columns cannot be interpreted.
	ErrInvalidRow = errors.New("boundary: invalid row")
)

// Emitter receives closed documents in the order their closing row was seen.
type Emitter interface {
	Submit(ctx context.Context, doc *document.Document) error
}

// Options configures a Detector.
type Options struct {
	// Defaults supplies op, index and type when a row has no such column.
	Defaults document.Meta

	// Identity lists extra control columns (e.g. "_parent", "_version") that
	// start a new document when they change. Op, index, type and id always do.
	Identity []string

	// SkipConflicts logs and skips rows that fail to merge instead of
	// returning the error. A skipped row leaves the open document unchanged.
	SkipConflicts bool

	// Digest computes a content digest for every emitted document.
	Digest bool

	// Merge configures the path merger.
	Merge merge.Options

	// NewID generates ids in auto-id mode. Defaults to random UUIDs.
	NewID func() string
}

// Stats are cumulative counters; safe to read while rows are supplied.
type Stats struct {
	Rows         int64
	Documents    int64
	RawDocuments int64
	Conflicts    int64
	Skipped      int64
}

// Detector coalesces consecutive rows that share an identity into one
// document. It is driven by a single goroutine.
type Detector struct {
	opts   Options
	merger *merge.Merger
	out    Emitter

	cols      []string
	isControl []bool
	hasID     bool
	extra     map[string]struct{}

	open   *document.Document
	digest *document.Digest

	rows      atomic.Int64
	docs      atomic.Int64
	rawDocs   atomic.Int64
	conflicts atomic.Int64
	skipped   atomic.Int64
}

// New returns a Detector emitting into out.
func New(out Emitter, opts Options) *Detector {
	if opts.Defaults.Op == "" {
		opts.Defaults.Op = document.OpIndex
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	extra := make(map[string]struct{}, len(opts.Identity))
	for _, c := range opts.Identity {
		extra[c] = struct{}{}
	}
	d := &Detector{
		opts:   opts,
		merger: merge.New(opts.Merge),
		out:    out,
		extra:  extra,
	}
	if opts.Digest {
		d.digest = document.NewDigest()
	}
	return d
}

// DeclareColumns fixes the positional meaning of subsequent rows. It may be
// called again between result sets; the open document stays open.
func (d *Detector) DeclareColumns(names []string) error {
	d.cols = append(d.cols[:0], names...)
	d.isControl = make([]bool, len(names))
	d.hasID = false
	for i, n := range names {
		d.isControl[i] = IsControl(n)
		if n == ColID {
			d.hasID = true
		}
	}
	return nil
}

// AutoID reports whether every row becomes its own document with a generated
// id, which is the case when no _id column was declared.
func (d *Detector) AutoID() bool { return !d.hasID }

// SupplyRow folds one row. Values beyond len(values) are absent.
func (d *Detector) SupplyRow(ctx context.Context, values []any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.cols == nil {
		return ErrNoColumns
	}
	if len(values) > len(d.cols) {
		return fmt.Errorf("%w: values=%d columns=%d", ErrTooManyValues, len(values), len(d.cols))
	}
	rowNum := d.rows.Add(1)

	meta, raw, hasRaw, err := d.identity(values)
	if err != nil {
		return d.reject(rowNum, "", err)
	}

	if hasRaw {
		// a pre-rendered body ends the accumulating document
		if err := d.closeOpen(ctx); err != nil {
			return err
		}
		doc := &document.Document{Meta: meta, Raw: raw}
		if d.opts.Digest {
			dg := document.NewDigest()
			dg.Add(ColSource, string(raw))
			doc.Digest = dg.Sum()
		}
		d.rawDocs.Add(1)
		return d.emit(ctx, doc)
	}

	switch {
	case d.open == nil:
		d.start(meta)
	case d.AutoID() || !d.sameIdentity(d.open.Meta, meta):
		if err := d.closeOpen(ctx); err != nil {
			return err
		}
		d.start(meta)
	}

	// a skipped row must leave no trace, so it is merged into a copy first
	body := d.open.Body
	if d.opts.SkipConflicts {
		body = body.Clone()
	}
	for i, v := range values {
		if d.isControl[i] {
			continue
		}
		if err := d.merger.Merge(body, d.cols[i], v); err != nil {
			return d.reject(rowNum, d.cols[i], err)
		}
	}
	d.open.Body = body
	if d.digest != nil {
		for i, v := range values {
			if !d.isControl[i] {
				d.digest.Add(d.cols[i], v)
			}
		}
	}
	return nil
}

// End emits the open document, if any.
func (d *Detector) End(ctx context.Context) error {
	return d.closeOpen(ctx)
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Rows:         d.rows.Load(),
		Documents:    d.docs.Load(),
		RawDocuments: d.rawDocs.Load(),
		Conflicts:    d.conflicts.Load(),
		Skipped:      d.skipped.Load(),
	}
}

func (d *Detector) start(meta document.Meta) {
	if meta.ID == "" && d.AutoID() {
		meta.ID = d.opts.NewID()
	}
	d.open = document.New(meta)
	if d.digest != nil {
		d.digest.Reset()
	}
}

func (d *Detector) closeOpen(ctx context.Context) error {
	doc := d.open
	d.open = nil
	if doc == nil {
		return nil
	}
	if d.digest != nil && d.digest.Len() > 0 {
		doc.Digest = d.digest.Sum()
	}
	return d.emit(ctx, doc)
}

func (d *Detector) emit(ctx context.Context, doc *document.Document) error {
	if doc.IsEmpty() {
		return nil
	}
	d.docs.Add(1)
	return d.out.Submit(ctx, doc)
}

// reject applies the conflict policy to a row that could not be folded.
func (d *Detector) reject(rowNum int64, column string, err error) error {
	if errors.Is(err, merge.ErrConflict) {
		d.conflicts.Add(1)
	}
	if !d.opts.SkipConflicts {
		return fmt.Errorf("row %d: %w", rowNum, err)
	}
	d.skipped.Add(1)
	log.WithFields(log.Fields{"row": rowNum, "column": column}).Warnf("boundary: skipping row: %v", err)
	return nil
}

// identity reads the control columns of a row on top of the defaults.
func (d *Detector) identity(values []any) (meta document.Meta, raw json.RawMessage, hasRaw bool, err error) {
	meta = document.Meta{
		Op:    d.opts.Defaults.Op,
		Index: d.opts.Defaults.Index,
		Type:  d.opts.Defaults.Type,
	}
	for i, v := range values {
		if !d.isControl[i] || v == nil {
			continue
		}
		switch d.cols[i] {
		case ColOpType:
			op, perr := document.ParseOpType(controlString(v), d.opts.Defaults.Op)
			if perr != nil {
				return meta, nil, false, fmt.Errorf("%w: %v", ErrInvalidRow, perr)
			}
			meta.Op = op
		case ColIndex:
			meta.Index = controlString(v)
		case ColType:
			meta.Type = controlString(v)
		case ColID:
			meta.ID = controlString(v)
		case ColVersion:
			meta.Version = controlString(v)
		case ColRouting:
			meta.Routing = controlString(v)
		case ColParent:
			meta.Parent = controlString(v)
		case ColTimestamp:
			meta.Timestamp = controlString(v)
		case ColTTL:
			meta.TTL = controlString(v)
		case ColSource:
			raw, err = rawSource(v)
			if err != nil {
				return meta, nil, false, fmt.Errorf("%w: %v", ErrInvalidRow, err)
			}
			hasRaw = true
		}
	}
	return meta, raw, hasRaw, nil
}

func (d *Detector) sameIdentity(a, b document.Meta) bool {
	if a.Op != b.Op || a.Index != b.Index || a.Type != b.Type || a.ID != b.ID {
		return false
	}
	for c := range d.extra {
		switch c {
		case ColParent:
			if a.Parent != b.Parent {
				return false
			}
		case ColVersion:
			if a.Version != b.Version {
				return false
			}
		case ColRouting:
			if a.Routing != b.Routing {
				return false
			}
		case ColTimestamp:
			if a.Timestamp != b.Timestamp {
				return false
			}
		case ColTTL:
			if a.TTL != b.TTL {
				return false
			}
		}
	}
	return true
}

func controlString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

func rawSource(v any) (json.RawMessage, error) {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = append([]byte(nil), t...)
	case json.RawMessage:
		b = append([]byte(nil), t...)
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode _source: %w", err)
		}
		b = enc
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("_source is not valid JSON")
	}
	return json.RawMessage(b), nil
}
