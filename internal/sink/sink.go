// Package sink defines the destination contract for closed documents and the
// registry of concrete sink kinds.
//
// Backends live in subpackages (ndjson, httpbulk, mongo, postgres) and
// register a Factory from init. Importing docfeed/internal/sink/all enables
// every built-in kind.
package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"docfeed/internal/config"
	"docfeed/internal/document"
)

// Sink receives documents one operation at a time. Create, Index and Update
// must be idempotent by document id. Close is safe to call after Flush.
type Sink interface {
	Create(ctx context.Context, doc *document.Document) error
	Index(ctx context.Context, doc *document.Document) error
	Update(ctx context.Context, doc *document.Document) error
	Delete(ctx context.Context, doc *document.Document) error
	Flush(ctx context.Context) error
	Close() error
}

// BulkSink is implemented by sinks that can write a whole batch in one
// request. The dispatcher prefers it over per-document calls.
type BulkSink interface {
	Sink
	Bulk(ctx context.Context, docs []*document.Document) error
}

// Apply routes doc to the Sink method matching its operation.
func Apply(ctx context.Context, s Sink, doc *document.Document) error {
	switch doc.Op {
	case document.OpCreate:
		return s.Create(ctx, doc)
	case document.OpUpdate:
		return s.Update(ctx, doc)
	case document.OpDelete:
		return s.Delete(ctx, doc)
	default:
		return s.Index(ctx, doc)
	}
}

// ItemError is one rejected document inside a bulk request.
type ItemError struct {
	Op     document.OpType
	Index  string
	ID     string
	Status int
	Reason string
}

// BulkError reports the items a destination rejected while accepting the
// rest of the request.
type BulkError struct {
	Items []ItemError
}

func (e *BulkError) Error() string {
	if len(e.Items) == 0 {
		return "bulk: no item errors"
	}
	first := e.Items[0]
	return fmt.Sprintf("bulk: %d item(s) failed; first: %s %s/%s status=%d: %s",
		len(e.Items), first.Op, first.Index, first.ID, first.Status, first.Reason)
}

// Factory opens a sink from its kind-specific options.
type Factory func(ctx context.Context, opts config.Options) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(kind)] = f
}

// New opens a sink of the given kind.
func New(ctx context.Context, kind string, opts config.Options) (Sink, error) {
	mu.RLock()
	f, ok := factories[strings.ToLower(kind)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported sink.kind=%s", kind)
	}
	if opts == nil {
		opts = config.Options{}
	}
	return f(ctx, opts)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
