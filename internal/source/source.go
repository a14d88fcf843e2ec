// Package source defines row producers and the listener they drive.
//
// A Source streams rows in order into a Listener: DeclareColumns once per
// result set, SupplyRow per row, End when the stream is exhausted. Concrete
// kinds (sql, csv) live in subpackages and register themselves; import
// docfeed/internal/source/all to enable them.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"docfeed/internal/config"
)

// Listener consumes a row stream. Values are positional against the last
// declared columns; a short row leaves the trailing columns absent.
type Listener interface {
	DeclareColumns(names []string) error
	SupplyRow(ctx context.Context, values []any) error
	End(ctx context.Context) error
}

// Source produces rows for one task. Suspend and Resume may be called from
// another goroutine while Stream runs; a suspended source stops between rows.
type Source interface {
	Stream(ctx context.Context, l Listener) error
	Suspend()
	Resume()
}

// ErrRow is matched by every *RowError.
var ErrRow = errors.New("unreadable row")

// RowError is a row the source could not decode.
type RowError struct {
	Row    int64
	Column string
	Err    error
}

func (e *RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d column %q: %v", e.Row, e.Column, e.Err)
}

func (e *RowError) Unwrap() []error { return []error{ErrRow, e.Err} }

// ErrorPolicy counts row errors and decides whether they stop the stream.
type ErrorPolicy struct {
	Strict bool
	Name   string
	n      atomic.Int64
}

// Handle records err and returns it when the policy is strict.
func (p *ErrorPolicy) Handle(err *RowError) error {
	p.n.Add(1)
	if p.Strict {
		return err
	}
	log.WithField("source", p.Name).Warnf("source: skipping %v", err)
	return nil
}

// RowErrors is the number of errors seen so far.
func (p *ErrorPolicy) RowErrors() int64 { return p.n.Load() }

// ErrorCounter is implemented by sources that count skipped rows.
type ErrorCounter interface {
	RowErrors() int64
}

// Gate is a cooperative pause switch. Embedding it gives a Source its
// Suspend and Resume methods; the streaming loop calls Wait between rows.
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// Suspend makes subsequent Wait calls block.
func (g *Gate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

// Resume releases blocked Wait calls.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait returns immediately unless suspended, in which case it blocks until
// Resume or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return ctx.Err()
	}
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Factory opens a source from its kind-specific options.
type Factory func(ctx context.Context, opts config.Options) (Source, error)

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

// New opens a source of the given kind.
func New(ctx context.Context, kind string, opts config.Options) (Source, error) {
	mu.RLock()
	f, ok := factories[strings.ToLower(kind)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported source.kind=%s", kind)
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
